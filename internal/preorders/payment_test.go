package preorders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ten Pistachio at $4.50 plus 8.875% tax.
const tenDonutTotal = 4899

func paymentBody(units int) map[string]interface{} {
	body := checkoutBody(units)
	body["sourceId"] = "cnon:card-nonce-ok"
	return body
}

func TestPayChargesCardAndCountsPayment(t *testing.T) {
	provider := &fakeProvider{orderTotal: tenDonutTotal}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	body := paymentBody(10)
	body["amountCents"] = tenDonutTotal
	body["idempotencyKey"] = "cart-7"
	rec := env.do(http.MethodPost, "/payments", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pay-card-1", resp.PaymentID)
	assert.Equal(t, "sq-ord-1", resp.OrderID)
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, int64(tenDonutTotal), resp.TotalCents)
	assert.Equal(t, 240, resp.Remaining)
	assert.NotEmpty(t, resp.ReceiptURL)

	order := provider.lastOrder
	assert.Equal(t, "order-cart-7", order.IdempotencyKey)
	assert.Equal(t, "LOC", order.Order.LocationID)
	assert.Equal(t, "10", order.Order.LineItems[0].Quantity)

	payment := provider.lastPayment
	assert.Equal(t, "cnon:card-nonce-ok", payment.SourceID)
	assert.Equal(t, "cart-7", payment.IdempotencyKey)
	assert.Equal(t, "sq-ord-1", payment.OrderID)
	assert.Equal(t, "LOC", payment.LocationID)
	assert.True(t, payment.Autocomplete)
	assert.Equal(t, &square.Money{Amount: tenDonutTotal, Currency: "USD"}, payment.AmountMoney)
	assert.Equal(t, "dana@example.com", payment.BuyerEmailAddress)

	used, _ := env.counter.GetUsed(ctx, pickupDay)
	assert.Equal(t, 10, used)
	assert.Equal(t, 1, env.store.Payments())

	held, ok := env.store.Reservation(resp.ReservationID)
	require.True(t, ok)
	assert.Equal(t, inventory.StatusConfirmed, held.Status)
	assert.Equal(t, "sq-ord-1", held.OrderID)

	// The webhook for the same payment arrives later and changes nothing.
	applied, err := env.counter.ConfirmPayment(ctx, inventory.PaymentConfirmation{PaymentID: "pay-card-1", OrderID: "sq-ord-1", Date: pickupDay, Units: 10})
	require.NoError(t, err)
	assert.False(t, applied)
	used, _ = env.counter.GetUsed(ctx, pickupDay)
	assert.Equal(t, 10, used)
}

func TestPayWithoutShownAmountUsesOrderTotal(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider)

	rec := env.do(http.MethodPost, "/payments", paymentBody(10), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(tenDonutTotal), provider.lastPayment.AmountMoney.Amount)
	assert.NotEmpty(t, provider.lastPayment.IdempotencyKey)
}

func TestPayValidatesBeforeAnyCall(t *testing.T) {
	cases := map[string]func(map[string]interface{}){
		"missing source":  func(b map[string]interface{}) { delete(b, "sourceId") },
		"blank source":    func(b map[string]interface{}) { b["sourceId"] = "  " },
		"zero amount":     func(b map[string]interface{}) { b["amountCents"] = 0 },
		"oversized cart":  func(b map[string]interface{}) { b["cartItems"] = []map[string]interface{}{{"name": "A", "quantity": 4611686018427387904, "unitAmountCents": 100}} },
		"missing pickup":  func(b map[string]interface{}) { delete(b, "pickupDate") },
		"negative amount": func(b map[string]interface{}) { b["amountCents"] = -5 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			provider := &fakeProvider{}
			env := newTestEnv(t, provider)

			body := paymentBody(10)
			mutate(body)
			rec := env.do(http.MethodPost, "/payments", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, provider.orderCalls)
			assert.Zero(t, provider.PaymentCalls())

			used, _ := env.counter.GetUsed(context.Background(), pickupDay)
			assert.Zero(t, used)
		})
	}
}

func TestPaySoldOut(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider)
	env.store.SetUsed(pickupDay, 245)

	rec := env.do(http.MethodPost, "/payments", paymentBody(10), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, float64(5), decodeBody(t, rec)["remaining"])
	assert.Zero(t, provider.orderCalls)
}

func TestPayRejectsMismatchedAmount(t *testing.T) {
	provider := &fakeProvider{orderTotal: tenDonutTotal}
	env := newTestEnv(t, provider)

	body := paymentBody(10)
	body["amountCents"] = 4500
	rec := env.do(http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "Amount does not match order total", resp["error"])
	assert.Equal(t, float64(tenDonutTotal), resp["totalCents"])
	assert.Zero(t, provider.PaymentCalls())

	used, _ := env.counter.GetUsed(context.Background(), pickupDay)
	assert.Zero(t, used)
}

func TestPayReleasesHoldWhenOrderRejected(t *testing.T) {
	provider := &fakeProvider{orderErr: &square.ProviderError{
		StatusCode: http.StatusBadRequest,
		Errors:     []square.APIError{{Code: "INVALID_VALUE", Detail: "Invalid pickup_at"}},
	}}
	env := newTestEnv(t, provider)

	rec := env.do(http.MethodPost, "/payments", paymentBody(10), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid pickup_at", decodeBody(t, rec)["error"])
	assert.Zero(t, provider.PaymentCalls())

	used, _ := env.counter.GetUsed(context.Background(), pickupDay)
	assert.Zero(t, used)
}

func TestPayReleasesHoldWhenCardDeclined(t *testing.T) {
	provider := &fakeProvider{paymentErr: &square.ProviderError{
		StatusCode: http.StatusPaymentRequired,
		Errors:     []square.APIError{{Category: "PAYMENT_METHOD_ERROR", Code: "GENERIC_DECLINE", Detail: "Authorization error: 'GENERIC_DECLINE'"}},
	}}
	env := newTestEnv(t, provider)

	rec := env.do(http.MethodPost, "/payments", paymentBody(10), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "GENERIC_DECLINE")

	used, _ := env.counter.GetUsed(context.Background(), pickupDay)
	assert.Zero(t, used)
	assert.Zero(t, env.store.Payments())
}

func TestPayKeepsHoldWhenChargeTimesOut(t *testing.T) {
	provider := &fakeProvider{paymentErr: fmt.Errorf("%w: timeout", square.ErrUnavailable)}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	body := paymentBody(10)
	body["idempotencyKey"] = "cart-9"
	rec := env.do(http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	used, _ := env.counter.GetUsed(ctx, pickupDay)
	assert.Equal(t, 10, used)

	// The retry with the same key reuses the hold and completes.
	provider.mu.Lock()
	provider.paymentErr = nil
	provider.mu.Unlock()

	rec = env.do(http.MethodPost, "/payments", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	used, _ = env.counter.GetUsed(ctx, pickupDay)
	assert.Equal(t, 10, used)
	assert.Equal(t, 1, env.store.Payments())
}

func TestPayFailedRetryKeepsEarlierHold(t *testing.T) {
	provider := &fakeProvider{paymentErr: &square.ProviderError{StatusCode: http.StatusConflict}}
	env := newTestEnv(t, provider)
	ctx := context.Background()

	_, _, err := env.counter.Reserve(ctx, inventory.ReserveRequest{Date: pickupDay, Units: 10, IdempotencyKey: "K"})
	require.NoError(t, err)

	body := paymentBody(10)
	body["idempotencyKey"] = "K"
	rec := env.do(http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	used, _ := env.counter.GetUsed(ctx, pickupDay)
	assert.Equal(t, 10, used)
}

func TestPayNotYetCompletedLeavesHoldPending(t *testing.T) {
	provider := &fakeProvider{paymentStatus: "APPROVED"}
	env := newTestEnv(t, provider)

	rec := env.do(http.MethodPost, "/payments", paymentBody(10), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "APPROVED", resp.Status)
	assert.Zero(t, env.store.Payments())

	held, ok := env.store.Reservation(resp.ReservationID)
	require.True(t, ok)
	assert.Equal(t, inventory.StatusPending, held.Status)
	assert.Equal(t, "sq-ord-1", held.OrderID)
}

func TestPayRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	rec := env.do(http.MethodPost, "/payments", strings.Repeat("{", 3), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
