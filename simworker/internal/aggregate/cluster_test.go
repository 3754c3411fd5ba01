package aggregate

import (
	"math"
	"reflect"
	"testing"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

func item(screen int, issue string, ep string, step int, f, d float64) Item {
	return Item{Screen: screen, Confusion: model.Confusion{Issue: issue}, EpisodeID: ep, StepIndex: step,
		Persona: ep, Friction: f, DropoffRisk: d}
}

func TestTokens(t *testing.T) {
	got := Tokens("Can't find the CHECKOUT button!!")
	for _, w := range []string{"can", "t", "find", "the", "checkout", "button"} {
		if _, ok := got[w]; !ok {
			t.Errorf("missing %q in %v", w, got)
		}
	}
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"checkout button", "Checkout, button.", 1},
		{"price table", "shipping form", 0},
		{"", "...", 1},
		{"a b c", "b c d", 0.5},
	}
	for _, c := range cases {
		if got := Similarity(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Similarity(%q,%q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestGroup_IdenticalJoin(t *testing.T) {
	// WHAT: identical issue texts on one screen form a single cluster.
	// WHY: the same complaint from several personas is one problem, counted several times.
	items := []Item{
		item(0, "Where is the price?", "e1", 0, 0.5, 0.5),
		item(0, "where is the price", "e2", 0, 0.5, 0.5),
		item(0, "Where is the price?", "e3", 1, 0.5, 0.5),
	}
	cs := Group(items, DefaultThreshold)
	if len(cs) != 1 || len(cs[0].Items) != 3 {
		t.Fatalf("clusters = %d, want 1 of 3", len(cs))
	}
}

func TestGroup_DisjointSplit(t *testing.T) {
	items := []Item{
		item(0, "pricing unclear", "e1", 0, 0.5, 0.5),
		item(0, "login form broken", "e2", 0, 0.5, 0.5),
	}
	if cs := Group(items, DefaultThreshold); len(cs) != 2 {
		t.Fatalf("clusters = %d, want 2", len(cs))
	}
}

func TestGroup_ScreensNeverMix(t *testing.T) {
	items := []Item{
		item(2, "pricing unclear", "e1", 0, 0.5, 0.5),
		item(0, "pricing unclear", "e1", 1, 0.5, 0.5),
	}
	cs := Group(items, DefaultThreshold)
	if len(cs) != 2 {
		t.Fatalf("clusters = %d, want 2", len(cs))
	}
	if cs[0].Screen != 0 || cs[1].Screen != 2 {
		t.Fatalf("screen order = %d,%d", cs[0].Screen, cs[1].Screen)
	}
}

func TestGroup_ComparesAgainstRepresentative(t *testing.T) {
	// WHAT: a newcomer is compared with the cluster's first issue, not with later members.
	// WHY: comparing against members would let a cluster drift one word at a time.
	items := []Item{
		item(0, "a b c d", "e1", 0, 0, 0),
		item(0, "c d e f", "e2", 0, 0, 0), // 2/6 with the representative: joins
		item(0, "e f g h", "e3", 0, 0, 0), // 0 with the representative: new cluster
	}
	cs := Group(items, DefaultThreshold)
	if len(cs) != 2 || len(cs[0].Items) != 2 {
		t.Fatalf("clusters = %+v", cs)
	}
}

func TestGroup_BestMatchWins(t *testing.T) {
	items := []Item{
		item(0, "cart icon hidden", "e1", 0, 0, 0),
		item(0, "coupon field hidden", "e2", 0, 0, 0),
		item(0, "coupon field is hidden", "e3", 0, 0, 0),
	}
	cs := Group(items, DefaultThreshold)
	if len(cs) != 2 || len(cs[1].Items) != 2 {
		t.Fatalf("want the coupon issues together, got %d clusters", len(cs))
	}
}

func TestSeverity_Monotonic(t *testing.T) {
	prev := 0.0
	for n := 1; n <= 20; n++ {
		s := Severity(n, 0.4, 0.6)
		if s < prev {
			t.Fatalf("severity decreased at frequency %d", n)
		}
		prev = s
	}
	prev = 0
	for f := 0.0; f <= 1.0; f += 0.1 {
		s := Severity(3, f, 0.2)
		if s < prev {
			t.Fatalf("severity decreased at friction %.1f", f)
		}
		prev = s
	}
	if Severity(0, 1, 1) != 0 {
		t.Fatal("empty cluster must score 0")
	}
}

func TestCluster_FindingAveragesDistinctSteps(t *testing.T) {
	c := &Cluster{Screen: 1, Items: []Item{
		{Confusion: model.Confusion{Issue: "x", Evidence: "ev", ElementRef: "btn"}, EpisodeID: "e1", StepIndex: 0, Persona: "Ann", Friction: 1, DropoffRisk: 1},
		{Confusion: model.Confusion{Issue: "x again", ElementRef: "btn"}, EpisodeID: "e1", StepIndex: 0, Persona: "Ann", Friction: 1, DropoffRisk: 1},
		{Confusion: model.Confusion{Issue: "x", ElementRef: "link"}, EpisodeID: "e2", StepIndex: 3, Persona: "Bob", Friction: 0, DropoffRisk: 0},
	}}
	f := c.Finding("run_1")
	if f.Frequency != 3 || f.AvgFriction != 0.5 || f.AvgDropoffRisk != 0.5 {
		t.Fatalf("finding = %+v", f)
	}
	if !reflect.DeepEqual(f.AffectedPersonas, []string{"Ann", "Bob"}) {
		t.Fatalf("personas = %v", f.AffectedPersonas)
	}
	if f.Evidence != "ev" || f.ElementRef != "btn" || f.Issue != "x" {
		t.Fatalf("representative fields = %+v", f)
	}
}

func TestRank_TieBreaks(t *testing.T) {
	fs := []model.Finding{
		{Issue: "b", Severity: 1, Frequency: 1, ScreenIndex: 0},
		{Issue: "a", Severity: 1, Frequency: 1, ScreenIndex: 0},
		{Issue: "c", Severity: 1, Frequency: 1, ScreenIndex: 0, AvgFriction: 9},
		{Issue: "z", Severity: 1, Frequency: 2, ScreenIndex: 3},
		{Issue: "y", Severity: 1, Frequency: 1, ScreenIndex: -1},
		{Issue: "top", Severity: 2, Frequency: 1, ScreenIndex: 9},
	}
	Rank(fs)
	var order []string
	for i, f := range fs {
		if f.Rank != i+1 {
			t.Fatalf("rank %d at %d", f.Rank, i)
		}
		order = append(order, f.Issue)
	}
	want := []string{"top", "z", "y", "a", "b", "c"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}
