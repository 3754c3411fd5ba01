package browser_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/uxsim/simworker/internal/browser"
	"github.com/hazyhaar/uxsim/simworker/internal/browser/browsertest"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

func btn(label string) browser.Element {
	return browser.Element{Tag: "button", Label: label, Width: 80, Height: 20, InViewport: true}
}

func link(label, href string, inView bool) browser.Element {
	return browser.Element{Tag: "a", Label: label, Href: href, Width: 80, Height: 20, InViewport: inView}
}

func TestPrioritize_GroupOrderAndDedup(t *testing.T) {
	// WHAT: form controls come first, then buttons, in-view links, off-view links.
	// WHY: the model must always see fields it may need to fill.
	raw := []browser.Element{
		link("Pricing", "/pricing", true),
		btn("Sign up"),
		btn("sign   UP"),
		btn("Sign up"),
		{Tag: "input", Type: "email", Label: "Email"},
		link("Pricing", "/pricing/", true),
		link("Pricing", "/pricing", true),
		link("Docs", "/docs", false),
		link("Docs", "/docs", false),
		{Tag: "input", Type: "submit", Label: "Go"},
	}
	got, dropped := browser.Prioritize(raw, 50)
	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
	var labels []string
	for i, e := range got {
		if e.Index != i {
			t.Fatalf("element %d has index %d", i, e.Index)
		}
		labels = append(labels, e.Label)
	}
	want := []string{"Email", "Sign up", "sign UP", "Go", "Pricing", "Pricing", "Docs"}
	if !slices.Equal(labels, want) {
		t.Fatalf("labels = %q, want %q", labels, want)
	}
}

func TestPrioritize_Truncates(t *testing.T) {
	var raw []browser.Element
	for i := 0; i < 60; i++ {
		raw = append(raw, btn(fmt.Sprintf("b%d", i)))
	}
	got, dropped := browser.Prioritize(raw, 50)
	if len(got) != 50 || dropped != 10 {
		t.Fatalf("len = %d dropped = %d, want 50 and 10", len(got), dropped)
	}
	if got[49].Index != 49 || got[49].Label != "b49" {
		t.Fatalf("last = %+v", got[49])
	}
}

func TestPrioritize_Deterministic(t *testing.T) {
	raw := []browser.Element{btn("a"), link("x", "/x", false), {Tag: "textarea", Label: "msg"}, btn("a"), btn("a")}
	a, _ := browser.Prioritize(raw, 3)
	b, _ := browser.Prioritize(raw, 3)
	if !slices.Equal(a, b) {
		t.Fatalf("not deterministic: %v vs %v", a, b)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		e    browser.Element
		want browser.Kind
	}{
		{browser.Element{Tag: "input", Type: "submit"}, browser.KindButton},
		{browser.Element{Tag: "INPUT", Type: "text"}, browser.KindFormControl},
		{browser.Element{Tag: "select"}, browser.KindFormControl},
		{browser.Element{Tag: "div", Role: "checkbox"}, browser.KindFormControl},
		{browser.Element{Tag: "a"}, browser.KindLink},
		{browser.Element{Tag: "span", Role: "link"}, browser.KindLink},
		{browser.Element{Tag: "summary"}, browser.KindButton},
	}
	for _, c := range cases {
		if got := browser.KindOf(c.e); got != c.want {
			t.Errorf("KindOf(%+v) = %d, want %d", c.e, got, c.want)
		}
	}
}

func TestSanitizeLabel(t *testing.T) {
	if got := browser.SanitizeLabel("<b>Buy</b>\n\n  now &amp; save"); got != "Buy now & save" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	got := browser.SanitizeLabel(long)
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("len = %d, want 80", n)
	}
}

func TestScrollInfo_ViewedBottom(t *testing.T) {
	s := browser.ScrollInfo{ScrollY: 400, ViewportHeight: 800, PageHeight: 2400}
	if got := s.ViewedBottom(); got != 0.5 {
		t.Fatalf("ViewedBottom = %v", got)
	}
	if got := s.Remaining(); got != 1200 {
		t.Fatalf("Remaining = %v", got)
	}
	if got := (browser.ScrollInfo{}).ViewedBottom(); got != 1 {
		t.Fatalf("empty page ViewedBottom = %v", got)
	}
}

func newExec(f *browsertest.Fake) *browser.Executor {
	return browser.NewExecutor(f, browser.ExecConfig{WaitPause: time.Millisecond}, nil)
}

func TestExecute_Click(t *testing.T) {
	f := browsertest.New("https://a.test/", &browsertest.Page{URL: "https://a.test/"})
	elems := []browser.Element{{Tag: "button", X: 60, Y: 40, Width: 80, Height: 20}}
	if err := newExec(f).Execute(context.Background(), model.Click{ElementIndex: 0}, elems); err != nil {
		t.Fatal(err)
	}
	want := []string{"click 100,50", "settle"}
	if got := f.CallLog(); !slices.Equal(got, want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestExecute_ClickOffscreen(t *testing.T) {
	// WHAT: an element whose centre lies below the viewport is not clicked.
	// WHY: a blind click at those coordinates would hit something else.
	f := browsertest.New("https://a.test/")
	elems := []browser.Element{{Tag: "button", X: 10, Y: 1500, Width: 80, Height: 20}}
	err := newExec(f).Execute(context.Background(), model.Click{ElementIndex: 0}, elems)
	if !errors.Is(err, browser.ErrOffscreen) {
		t.Fatalf("err = %v, want ErrOffscreen", err)
	}
	if len(f.CallLog()) != 0 {
		t.Fatalf("unexpected calls %q", f.CallLog())
	}
}

func TestExecute_BadIndex(t *testing.T) {
	f := browsertest.New("https://a.test/")
	err := newExec(f).Execute(context.Background(), model.Click{ElementIndex: 3}, nil)
	if !errors.Is(err, browser.ErrNoSuchElement) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecute_Type(t *testing.T) {
	elems := []browser.Element{{Tag: "input", X: 0, Y: 0, Width: 100, Height: 20}}

	f := browsertest.New("https://a.test/")
	if err := newExec(f).Execute(context.Background(), model.Type{ElementIndex: 0, Text: "hello", Submit: true}, elems); err != nil {
		t.Fatal(err)
	}
	want := []string{"click 50,10", "clear", "insert hello", "enter", "settle"}
	if got := f.CallLog(); !slices.Equal(got, want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}

	f = browsertest.New("https://a.test/")
	if err := newExec(f).Execute(context.Background(), model.Type{ElementIndex: 0, Text: "x"}, elems); err != nil {
		t.Fatal(err)
	}
	want = []string{"click 50,10", "clear", "insert x"}
	if got := f.CallLog(); !slices.Equal(got, want) {
		t.Fatalf("no-submit calls = %q, want %q", got, want)
	}
}

func TestExecute_Scroll(t *testing.T) {
	f := browsertest.New("https://a.test/", &browsertest.Page{URL: "https://a.test/", PageHeight: 3000})
	if err := newExec(f).Execute(context.Background(), model.Scroll{Direction: model.Down}, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.CallLog(); !slices.Equal(got, []string{"scrollby 520"}) {
		t.Fatalf("calls = %q", got)
	}
	if f.ScrollY != 520 {
		t.Fatalf("ScrollY = %v", f.ScrollY)
	}
}

func TestExecute_ScrollFallsBackToWheel(t *testing.T) {
	// WHAT: when the scroller does not move, a wheel event at the viewport centre is sent.
	// WHY: some pages scroll an inner container the script could not find.
	f := browsertest.New("https://a.test/")
	f.ScrollStuck = true
	if err := newExec(f).Execute(context.Background(), model.Scroll{Direction: model.Up}, nil); err != nil {
		t.Fatal(err)
	}
	want := []string{"scrollby -520", "wheel 640,400 -520"}
	if got := f.CallLog(); !slices.Equal(got, want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestExecute_ScrollTo(t *testing.T) {
	f := browsertest.New("https://a.test/", &browsertest.Page{URL: "https://a.test/", PageHeight: 4000})
	visible := []browser.Element{{Tag: "a", Y: 100, Height: 20}}
	if err := newExec(f).Execute(context.Background(), model.ScrollTo{ElementIndex: 0}, visible); err != nil {
		t.Fatal(err)
	}
	if n := len(f.CallLog()); n != 0 {
		t.Fatalf("visible element scrolled: %q", f.CallLog())
	}

	below := []browser.Element{{Tag: "a", Y: 1990, Height: 20}}
	if err := newExec(f).Execute(context.Background(), model.ScrollTo{ElementIndex: 0}, below); err != nil {
		t.Fatal(err)
	}
	if got := f.CallLog(); !slices.Equal(got, []string{"scrollby 1600"}) {
		t.Fatalf("calls = %q", got)
	}
}

func TestExecute_BackWaitDone(t *testing.T) {
	f := browsertest.New("https://a.test/")
	f.Go("https://a.test/next")
	ex := newExec(f)
	ctx := context.Background()
	if err := ex.Execute(ctx, model.NavigateBack{}, nil); err != nil {
		t.Fatal(err)
	}
	if f.Current != "https://a.test/" {
		t.Fatalf("current = %s", f.Current)
	}
	if err := ex.Execute(ctx, model.Wait{Reason: "loading"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := ex.Execute(ctx, model.Done{Success: true}, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.CallLog(); !slices.Equal(got, []string{"back", "settle"}) {
		t.Fatalf("calls = %q", got)
	}
}

func TestFormatList(t *testing.T) {
	elems, dropped := browser.Prioritize([]browser.Element{
		{Tag: "input", Type: "email", Label: "Email", InViewport: true},
		link("Docs", "https://a.test/docs?x=1", false),
	}, 1)
	out := browser.FormatList(elems, dropped)
	if !strings.Contains(out, `[0] <input type=email> "Email"`) {
		t.Fatalf("missing input line:\n%s", out)
	}
	if !strings.Contains(out, "(1 more elements not shown)") {
		t.Fatalf("missing dropped note:\n%s", out)
	}
	if got := browser.FormatList(nil, 0); got != "(no interactive elements found)" {
		t.Fatalf("empty = %q", got)
	}
}

func TestExcerpt(t *testing.T) {
	html := `<main><h1>Plans</h1><p>Start your <a href="/trial">free trial</a> today.</p></main>`
	md := browser.Excerpt(html, "https://a.test", 500)
	if !strings.Contains(md, "# Plans") || !strings.Contains(md, "free trial") {
		t.Fatalf("excerpt = %q", md)
	}
	short := browser.Excerpt(html, "https://a.test", 5)
	if !strings.HasPrefix(short, "# Pla") || !strings.HasSuffix(short, "…") {
		t.Fatalf("short = %q", short)
	}
	if browser.Excerpt("   ", "", 100) != "" {
		t.Fatal("blank html should give empty excerpt")
	}
}
