package environment

import (
	"strconv"
	"strings"
	"testing"
)

func TestSuggestNames_NumberedVariants(t *testing.T) {
	taken := map[string]bool{"demo": true}

	got := SuggestNames("demo", taken)

	want := []string{"demo-2", "demo-3", "demo-4"}
	if len(got) != len(want) {
		t.Fatalf("expected %d suggestions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("suggestion %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSuggestNames_SkipsTakenVariants(t *testing.T) {
	taken := map[string]bool{"demo": true, "demo-2": true, "demo-3": true}

	got := SuggestNames("demo", taken)

	if len(got) == 0 || got[0] != "demo-4" {
		t.Errorf("expected first suggestion demo-4, got %v", got)
	}
	for _, s := range got {
		if taken[s] {
			t.Errorf("suggested a taken name %q", s)
		}
	}
}

func TestSuggestNames_RandomFallback(t *testing.T) {
	taken := map[string]bool{"demo": true}
	for i := 2; i < 100; i++ {
		taken["demo-"+strconv.Itoa(i)] = true
	}

	got := SuggestNames("demo", taken)

	if len(got) != 1 {
		t.Fatalf("expected a single fallback suggestion, got %v", got)
	}
	if !strings.HasPrefix(got[0], "demo-") || taken[got[0]] {
		t.Errorf("fallback suggestion %q is unusable", got[0])
	}
}
