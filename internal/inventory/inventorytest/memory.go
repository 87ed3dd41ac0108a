// Package inventorytest provides an in-memory inventory.Store for tests.
package inventorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/donut-preorders/internal/inventory"
)

// MemoryStore serialises every operation behind one mutex, which gives it
// the same atomicity as the conditional updates of the real stores.
type MemoryStore struct {
	mu           sync.Mutex
	used         map[string]int
	reservations map[string]*inventory.Reservation
	byKey        map[string]string
	payments     map[string]inventory.PaymentConfirmation

	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		used:         make(map[string]int),
		reservations: make(map[string]*inventory.Reservation),
		byKey:        make(map[string]string),
		payments:     make(map[string]inventory.PaymentConfirmation),
	}
}

// SetUsed seeds the committed total for a date.
func (m *MemoryStore) SetUsed(date string, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[date] = used
}

func (m *MemoryStore) Reservation(id string) (inventory.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return inventory.Reservation{}, false
	}
	return *r, true
}

func (m *MemoryStore) Payments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *MemoryStore) Used(ctx context.Context, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.used[date], nil
}

func (m *MemoryStore) UsedForDates(ctx context.Context, dates []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	usage := make(map[string]int)
	for _, date := range dates {
		if used, ok := m.used[date]; ok {
			usage[date] = used
		}
	}
	return usage, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, r inventory.Reservation, limit int) (inventory.Reservation, inventory.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return inventory.Reservation{}, inventory.Change{}, err
	}

	if id, ok := m.byKey[r.IdempotencyKey]; ok {
		existing := m.reservations[id]
		if existing.Status == inventory.StatusPending || existing.Status == inventory.StatusConfirmed {
			return *existing, inventory.Change{Date: existing.Date, Used: m.used[existing.Date]}, nil
		}
		delete(m.reservations, id)
		delete(m.byKey, r.IdempotencyKey)
	}

	used := m.used[r.Date]
	if used+r.Units > limit {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		return inventory.Reservation{}, inventory.Change{}, &inventory.ExceededError{Date: r.Date, Requested: r.Units, Remaining: remaining}
	}

	m.used[r.Date] = used + r.Units
	r.Status = inventory.StatusPending
	held := r
	m.reservations[r.ID] = &held
	m.byKey[r.IdempotencyKey] = r.ID

	return r, inventory.Change{Date: r.Date, Used: m.used[r.Date], Delta: r.Units}, nil
}

func (m *MemoryStore) Release(ctx context.Context, req inventory.ReleaseRequest) (inventory.Change, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return inventory.Change{}, false, err
	}

	r, ok := m.reservations[req.ID]
	if !ok {
		return inventory.Change{}, false, inventory.ErrReservationNotFound
	}
	if r.Status != inventory.StatusPending {
		return inventory.Change{}, false, nil
	}
	if !req.ExpiredBy.IsZero() && r.ExpiresAt.After(req.ExpiredBy) {
		return inventory.Change{}, false, nil
	}

	r.Status = req.Status
	used := m.add(r.Date, -r.Units)
	return inventory.Change{Date: r.Date, Used: used, Delta: -r.Units}, true, nil
}

func (m *MemoryStore) AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	r, ok := m.reservations[reservationID]
	if !ok {
		return inventory.ErrReservationNotFound
	}
	r.OrderID = orderID
	r.PaymentLinkID = paymentLinkID
	return nil
}

func (m *MemoryStore) ConfirmPayment(ctx context.Context, c inventory.PaymentConfirmation) (inventory.ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return inventory.ConfirmResult{}, err
	}

	if _, seen := m.payments[c.PaymentID]; seen {
		return inventory.ConfirmResult{Applied: false}, nil
	}
	m.payments[c.PaymentID] = c

	held := m.pendingForOrder(c.OrderID)
	if held == nil {
		used := m.add(c.Date, c.Units)
		return inventory.ConfirmResult{
			Applied: true,
			Changes: []inventory.Change{{Date: c.Date, Used: used, Delta: c.Units}},
		}, nil
	}

	held.Status = inventory.StatusConfirmed
	result := inventory.ConfirmResult{Applied: true, ReservationID: held.ID}
	if held.Date == c.Date {
		used := m.add(c.Date, c.Units-held.Units)
		result.Changes = []inventory.Change{{Date: c.Date, Used: used, Delta: c.Units - held.Units}}
		return result, nil
	}

	released := m.add(held.Date, -held.Units)
	used := m.add(c.Date, c.Units)
	result.Changes = []inventory.Change{
		{Date: held.Date, Used: released, Delta: -held.Units},
		{Date: c.Date, Used: used, Delta: c.Units},
	}
	return result, nil
}

func (m *MemoryStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var expired []*inventory.Reservation
	for _, r := range m.reservations {
		if r.Status == inventory.StatusPending && !r.ExpiresAt.After(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})

	ids := make([]string, 0, len(expired))
	for i, r := range expired {
		if i == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (m *MemoryStore) pendingForOrder(orderID string) *inventory.Reservation {
	var found *inventory.Reservation
	for _, r := range m.reservations {
		if r.OrderID != orderID || r.Status != inventory.StatusPending {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	return found
}

func (m *MemoryStore) add(date string, delta int) int {
	used := m.used[date] + delta
	if used < 0 {
		used = 0
	}
	m.used[date] = used
	return used
}

func (m *MemoryStore) check(ctx context.Context) error {
	if m.Err != nil {
		return m.Err
	}
	return ctx.Err()
}
