package common

import (
	"errors"
	"testing"
)

func TestGuardAllowsWhenUnset(t *testing.T) {
	if err := Guard(nil, "mint"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
	if err := Guard(PauseSet{}, ""); err != nil {
		t.Fatalf("empty operation should never block: %v", err)
	}
	if err := Guard(PauseSet{"mint": false}, "mint"); err != nil {
		t.Fatalf("unpaused operation blocked: %v", err)
	}
}

func TestGuardBlocksPausedOperation(t *testing.T) {
	pauses := PauseSet{"liquidate": true}
	err := Guard(pauses, "liquidate")
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := Guard(pauses, "deposit"); err != nil {
		t.Fatalf("unrelated operation blocked: %v", err)
	}
}
