package store

import (
	"errors"
	"fmt"
)

// Sentinel errors callers match with errors.Is. ErrUnavailable wraps any
// underlying database failure so the engine can degrade instead of surfacing
// driver internals to users.
var (
	ErrNotFound    = errors.New("loop not found")
	ErrUnavailable = errors.New("store unavailable")
)

// unavailable wraps a database error under ErrUnavailable, keeping the
// operation name and the driver detail in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
