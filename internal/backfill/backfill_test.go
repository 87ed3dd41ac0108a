package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/inventory/inventorytest"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	orders []square.Order
	err    error
	query  square.SearchOrdersQuery
}

func (s *fakeSource) SearchOrders(ctx context.Context, q square.SearchOrdersQuery) ([]square.Order, error) {
	s.query = q
	return s.orders, s.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func paid(id, paymentID, date string, units int) square.Order {
	order := square.Order{
		ID:    id,
		State: "COMPLETED",
		LineItems: []square.OrderLineItem{
			{Name: "Classic", Quantity: fmt.Sprintf("%d", units), BasePriceMoney: &square.Money{Amount: 400}},
		},
	}
	if date != "" {
		order.Fulfillments = []square.Fulfillment{{
			Type:          "PICKUP",
			PickupDetails: &square.PickupDetails{PickupAt: date + "T10:00:00-05:00"},
		}}
	}
	if paymentID != "" {
		order.Tenders = []square.Tender{{ID: "tender-" + id, PaymentID: paymentID}}
	}
	return order
}

func newCounter(store inventory.Store) *inventory.Counter {
	return inventory.NewCounter(store, inventory.Config{DailyLimit: 250}, quietLogger())
}

func TestRunAppliesMissedPayments(t *testing.T) {
	store := inventorytest.NewMemoryStore()
	counter := newCounter(store)
	ctx := context.Background()

	// Already delivered by webhook.
	applied, err := counter.ConfirmPayment(ctx, inventory.PaymentConfirmation{PaymentID: "pay-1", OrderID: "o1", Date: "2025-12-18", Units: 6})
	require.NoError(t, err)
	require.True(t, applied)

	source := &fakeSource{orders: []square.Order{
		paid("o1", "pay-1", "2025-12-18", 6),
		paid("o2", "pay-2", "2025-12-18", 4),
		paid("o3", "pay-3", "2025-12-19", 10),
	}}
	backfiller := New(source, counter, Config{LocationID: "LOC", BatchSize: 2, Concurrency: 2}, quietLogger())

	result, err := backfiller.Run(ctx, "2025-12-01T00:00:00Z", "2025-12-31T00:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalOrders)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.AlreadyCounted)
	assert.Equal(t, 14, result.UnitsApplied)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.Errors)

	used, err := counter.Usage(ctx, []string{"2025-12-18", "2025-12-19"})
	require.NoError(t, err)
	assert.Equal(t, 10, used["2025-12-18"])
	assert.Equal(t, 10, used["2025-12-19"])

	assert.Equal(t, []string{"LOC"}, source.query.LocationIDs)
	assert.Equal(t, []string{"COMPLETED"}, source.query.States)
	require.NotNil(t, source.query.CreatedAt)
	assert.Equal(t, "2025-12-01T00:00:00Z", source.query.CreatedAt.StartAt)
}

func TestRunTwiceCountsOnce(t *testing.T) {
	store := inventorytest.NewMemoryStore()
	counter := newCounter(store)
	source := &fakeSource{orders: []square.Order{paid("o1", "pay-1", "2025-12-18", 6)}}
	backfiller := New(source, counter, Config{LocationID: "LOC"}, quietLogger())

	first, err := backfiller.Run(context.Background(), "a", "b")
	require.NoError(t, err)
	second, err := backfiller.Run(context.Background(), "a", "b")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 1, second.AlreadyCounted)

	used, err := counter.GetUsed(context.Background(), "2025-12-18")
	require.NoError(t, err)
	assert.Equal(t, 6, used)
}

func TestRunSkipsOrdersTheWebhookWouldIgnore(t *testing.T) {
	canceled := paid("o4", "pay-4", "2025-12-18", 3)
	canceled.Fulfillments[0].State = "CANCELED"

	source := &fakeSource{orders: []square.Order{
		paid("o1", "", "2025-12-18", 6),
		paid("o2", "pay-2", "", 6),
		paid("o3", "pay-3", "2025-12-18", 0),
		canceled,
		paid("o5", "pay-5", "2025-11-01", 2),
		paid("o6", "pay-6", "2025-12-18", 2),
	}}
	counter := newCounter(inventorytest.NewMemoryStore())
	backfiller := New(source, counter, Config{LocationID: "LOC", SaleDays: []string{"2025-12-18", "2025-12-19"}}, quietLogger())

	result, err := backfiller.Run(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 6, result.TotalOrders)
	assert.Equal(t, 5, result.Skipped)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, result.UnitsApplied)
}

func TestDryRunLeavesCounterAlone(t *testing.T) {
	store := inventorytest.NewMemoryStore()
	counter := newCounter(store)
	source := &fakeSource{orders: []square.Order{
		paid("o1", "pay-1", "2025-12-18", 6),
		paid("o2", "pay-2", "2025-12-19", 4),
	}}
	backfiller := New(source, counter, Config{LocationID: "LOC", DryRun: true}, quietLogger())

	result, err := backfiller.Run(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 10, result.CandidateUnits)
	assert.Zero(t, result.Applied)
	assert.Zero(t, result.UnitsApplied)
	assert.Zero(t, store.Payments())
}

func TestDryRunDoesNotClaimCountedPayments(t *testing.T) {
	store := inventorytest.NewMemoryStore()
	counter := newCounter(store)
	ctx := context.Background()

	_, err := counter.ConfirmPayment(ctx, inventory.PaymentConfirmation{PaymentID: "pay-1", OrderID: "o1", Date: "2025-12-18", Units: 6})
	require.NoError(t, err)

	source := &fakeSource{orders: []square.Order{
		paid("o1", "pay-1", "2025-12-18", 6),
		paid("o2", "pay-2", "2025-12-18", 4),
	}}
	dry, err := New(source, counter, Config{LocationID: "LOC", DryRun: true}, quietLogger()).Run(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, dry.Candidates)
	assert.Zero(t, dry.Applied)

	live, err := New(source, counter, Config{LocationID: "LOC"}, quietLogger()).Run(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, live.Candidates)
	assert.Equal(t, 1, live.Applied)
	assert.Equal(t, 1, live.AlreadyCounted)
	assert.Equal(t, 4, live.UnitsApplied)
	assert.LessOrEqual(t, live.Applied, dry.Candidates)
}

func TestRunCollectsStoreFailures(t *testing.T) {
	store := inventorytest.NewMemoryStore()
	store.Err = errors.New("connection refused")
	source := &fakeSource{orders: []square.Order{
		paid("o1", "pay-1", "2025-12-18", 6),
		paid("o2", "pay-2", "2025-12-18", 4),
	}}
	backfiller := New(source, newCounter(store), Config{LocationID: "LOC"}, quietLogger())

	result, err := backfiller.Run(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Error, "connection refused")
}

func TestRunFailsWhenSearchFails(t *testing.T) {
	source := &fakeSource{err: &square.ProviderError{StatusCode: 503}}
	backfiller := New(source, newCounter(inventorytest.NewMemoryStore()), Config{LocationID: "LOC"}, quietLogger())

	_, err := backfiller.Run(context.Background(), "a", "b")
	require.Error(t, err)
	assert.True(t, square.IsTransient(err))
}
