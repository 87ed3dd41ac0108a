package inventory

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
)

// Reservation is a time-boxed hold on units for one pickup date. Units are
// counted in the daily total from the moment the hold is taken.
type Reservation struct {
	ID             string
	IdempotencyKey string
	Date           string
	Units          int
	Status         Status
	OrderID        string
	PaymentLinkID  string
	ExpiresAt      time.Time
	CreatedAt      time.Time

	// Reused is set by Counter.Reserve when the idempotency key already held
	// units and no new hold was taken. Stores never set it.
	Reused bool
}

type PaymentConfirmation struct {
	PaymentID string
	OrderID   string
	Date      string
	Units     int
}

// Change is the outcome of one mutation of a daily total.
type Change struct {
	Date  string
	Used  int
	Delta int
}

type ReleaseRequest struct {
	ID     string
	Status Status

	// ExpiredBy, when set, only releases the hold if it expired at or
	// before that instant.
	ExpiredBy time.Time
}

type ConfirmResult struct {
	Applied       bool
	ReservationID string
	Changes       []Change
}

// Store owns the durable daily totals. Every method that mutates a total
// must do so atomically inside the store; callers never compute a new total
// themselves.
type Store interface {
	Used(ctx context.Context, date string) (int, error)
	UsedForDates(ctx context.Context, dates []string) (map[string]int, error)

	// Reserve takes a hold when r.Units fit under limit. A hold already
	// recorded under r.IdempotencyKey is returned as is with a zero delta.
	// When the units do not fit it returns *ExceededError and changes nothing.
	Reserve(ctx context.Context, r Reservation, limit int) (Reservation, Change, error)

	// Release gives a pending hold's units back. It reports false when the
	// hold was no longer pending.
	Release(ctx context.Context, req ReleaseRequest) (Change, bool, error)

	AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error

	// ConfirmPayment records the payment id first and is a no-op when it is
	// already recorded.
	ConfirmPayment(ctx context.Context, c PaymentConfirmation) (ConfirmResult, error)

	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}
