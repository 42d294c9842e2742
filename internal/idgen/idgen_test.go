package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("x_")
	if !strings.HasPrefix(id, "x_") {
		t.Errorf("expected prefix x_, got %q", id)
	}
	if len(id) != len("x_")+24 {
		t.Errorf("expected 26 chars, got %d", len(id))
	}
}

func TestRequestKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		k := RequestKey()
		if seen[k] {
			t.Fatalf("duplicate request key %q", k)
		}
		seen[k] = true
	}
}

func TestTypedIDs(t *testing.T) {
	if !strings.HasPrefix(RewardID(), RewardPrefix) {
		t.Error("RewardID missing prefix")
	}
	if !strings.HasPrefix(EventID(), EventPrefix) {
		t.Error("EventID missing prefix")
	}
}
