package permission

import (
	"context"
	"testing"
)

func TestStatusString(t *testing.T) {
	if Undetermined.String() != "undetermined" || Granted.String() != "granted" || Denied.String() != "denied" {
		t.Fatalf("unexpected status strings")
	}
}

func TestProbeGate_StartsUndetermined(t *testing.T) {
	g := NewProbeGate("", "", "")
	if g.CheckStatus() != Undetermined {
		t.Fatalf("expected undetermined before any probe, got %v", g.CheckStatus())
	}
}

func TestProbeGate_GrantCachedAfterProbe(t *testing.T) {
	// /bin/true ignores the probe arguments and exits cleanly.
	g := NewProbeGate("true", "pulse", "default")
	if got := g.Request(context.Background()); got != Granted {
		t.Fatalf("expected granted, got %v", got)
	}
	if g.CheckStatus() != Granted {
		t.Fatalf("grant must be cached")
	}
}

func TestProbeGate_DenialOnProbeFailure(t *testing.T) {
	g := NewProbeGate("false", "pulse", "default")
	if got := g.Request(context.Background()); got != Denied {
		t.Fatalf("expected denied, got %v", got)
	}
	if g.CheckStatus() != Denied {
		t.Fatalf("denial must be cached")
	}
}
