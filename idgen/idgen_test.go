package idgen

import (
	"strings"
	"testing"
)

func TestTypedPrefixes(t *testing.T) {
	cases := []struct {
		gen    Generator
		prefix string
	}{
		{Run, "run_"},
		{Episode, "ep_"},
		{Finding, "fnd_"},
		{Job, "job_"},
	}
	for _, c := range cases {
		id := c.gen()
		if !strings.HasPrefix(id, c.prefix) {
			t.Errorf("id %q missing prefix %q", id, c.prefix)
		}
		if _, err := Parse(id); err != nil {
			t.Errorf("Parse(%q): %v", id, err)
		}
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		next := gen()
		if next <= prev {
			t.Fatalf("UUIDv7 not monotonic: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("run_not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
