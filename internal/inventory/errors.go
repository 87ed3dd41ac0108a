package inventory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInventoryExceeded   = errors.New("inventory exceeded")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidUnits        = errors.New("units must be positive")
)

// ExceededError reports how many units were still available when a
// reservation was refused.
type ExceededError struct {
	Date      string
	Requested int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("inventory exceeded for %s: requested %d, remaining %d", e.Date, e.Requested, e.Remaining)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrInventoryExceeded
}

// PersistenceError wraps any failure of the backing store. Callers must
// treat it as "unknown", never as "available".
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("inventory store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Temporary is true when the store did not answer in time.
func (e *PersistenceError) Temporary() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInventoryExceeded) || errors.Is(err, ErrReservationNotFound) || errors.Is(err, ErrInvalidUnits) {
		return err
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
