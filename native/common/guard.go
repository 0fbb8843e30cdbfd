package common

import (
	"errors"
	"fmt"
)

// ErrPaused is returned when an operation is administratively halted.
var ErrPaused = errors.New("operation paused")

// PauseView reports whether a named operation is currently halted.
type PauseView interface {
	IsPaused(op string) bool
}

// Guard returns ErrPaused when the view reports the operation as halted. A nil
// view or an empty operation name never blocks.
func Guard(p PauseView, op string) error {
	if p == nil || op == "" {
		return nil
	}
	if p.IsPaused(op) {
		return fmt.Errorf("%w: %s", ErrPaused, op)
	}
	return nil
}

// PauseSet is a fixed PauseView assembled from configuration.
type PauseSet map[string]bool

// IsPaused reports whether the named operation appears in the set.
func (s PauseSet) IsPaused(op string) bool {
	return s[op]
}
