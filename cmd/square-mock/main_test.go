package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/inventory/inventorytest"
	"github.com/jogardn/donut-preorders/internal/preorders"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func startMock(t *testing.T) (*mockSquare, *square.Client) {
	t.Helper()
	mock := newMockSquare("LOC", "", quietLogger())
	server := httptest.NewServer(mock.routes())
	t.Cleanup(server.Close)
	mock.baseURL = server.URL

	client := square.NewClient(square.Options{BaseURL: server.URL, AccessToken: "mock", Timeout: 2 * time.Second}, quietLogger())
	return mock, client
}

func linkRequest(units int, date string) square.CreatePaymentLinkRequest {
	return square.CreatePaymentLinkRequest{
		IdempotencyKey: "key",
		Order: &square.Order{
			LocationID: "LOC",
			LineItems: []square.OrderLineItem{
				{Name: "Classic", Quantity: strconv.Itoa(units), BasePriceMoney: &square.Money{Amount: 400, Currency: "USD"}},
			},
			Taxes: []square.OrderLineItemTax{{Name: "Sales Tax", Type: "ADDITIVE", Scope: "ORDER", Percentage: "8.875"}},
			Fulfillments: []square.Fulfillment{{
				Type:          "PICKUP",
				PickupDetails: &square.PickupDetails{PickupAt: date + "T10:00:00-05:00"},
			}},
		},
	}
}

func TestMockSearchPagesThroughCompletedOrders(t *testing.T) {
	mock, client := startMock(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		link, err := client.CreatePaymentLink(ctx, linkRequest(3, "2025-12-18"))
		require.NoError(t, err)
		if i < 4 {
			resp, err := http.Get(link.PaymentLink.URL)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
	}
	mock.mutex.RLock()
	assert.Len(t, mock.orders, 5)
	mock.mutex.RUnlock()

	orders, err := client.SearchOrders(ctx, square.SearchOrdersQuery{
		LocationIDs: []string{"LOC"},
		States:      []string{"COMPLETED"},
		CreatedAt:   &square.TimeRange{StartAt: "2000-01-01T00:00:00Z", EndAt: "2100-01-01T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Len(t, orders, 4)
	for _, order := range orders {
		assert.Equal(t, "COMPLETED", order.State)
		// 1200 + 106.5 tax
		assert.Equal(t, int64(1307), order.NetTotalCents())
	}

	orders, err = client.SearchOrders(ctx, square.SearchOrdersQuery{
		LocationIDs: []string{"LOC"},
		States:      []string{"COMPLETED"},
		CreatedAt:   &square.TimeRange{StartAt: "2000-01-01T00:00:00Z", EndAt: "2000-01-02T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMockGetOrderAndLocations(t *testing.T) {
	_, client := startMock(t)
	ctx := context.Background()

	link, err := client.CreatePaymentLink(ctx, linkRequest(3, "2025-12-19"))
	require.NoError(t, err)

	order, err := client.GetOrder(ctx, link.PaymentLink.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "2025-12-19", order.PickupDate())
	assert.Equal(t, 3, order.NetUnits())

	_, err = client.GetOrder(ctx, "missing")
	var providerErr *square.ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.True(t, providerErr.NotFound())

	locations, err := client.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "LOC", locations[0].ID)
}

func TestMockRejectsUnknownLocation(t *testing.T) {
	_, client := startMock(t)

	req := linkRequest(1, "2025-12-18")
	req.Order.LocationID = "ELSEWHERE"
	_, err := client.CreatePaymentLink(context.Background(), req)

	var providerErr *square.ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusBadRequest, providerErr.StatusCode)
	assert.Contains(t, providerErr.Detail(), "ELSEWHERE")
	assert.False(t, square.IsTransient(err))
}

func TestCheckoutPaymentRoundTrip(t *testing.T) {
	mock, client := startMock(t)

	store := inventorytest.NewMemoryStore()
	counter := inventory.NewCounter(store, inventory.Config{DailyLimit: 250}, quietLogger())

	router := mux.NewRouter()
	storefront := httptest.NewServer(router)
	t.Cleanup(storefront.Close)
	webhookURL := storefront.URL + "/webhooks/payment"

	handler := preorders.NewHandler(client, counter, preorders.Config{
		LocationID:          "LOC",
		WebhookSignatureKey: "sig-key",
		WebhookURL:          webhookURL,
	}, quietLogger())
	handler.RegisterRoutes(router)

	mock.webhookURL = webhookURL
	mock.webhookKey = "sig-key"

	body, _ := json.Marshal(map[string]interface{}{
		"cartItems":    []map[string]interface{}{{"name": "Classic", "quantity": 8, "unitAmountCents": 400}},
		"pickupDate":   "2025-12-18",
		"pickupTime":   "09:00",
		"customerName": "Sam",
	})
	resp, err := http.Post(storefront.URL+"/checkout", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var checkout models.CheckoutResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&checkout))
	assert.Equal(t, 242, checkout.Remaining)

	payResp, err := http.Get(checkout.PaymentLinkURL)
	require.NoError(t, err)
	payResp.Body.Close()

	require.Eventually(t, func() bool { return store.Payments() == 1 }, 3*time.Second, 10*time.Millisecond)

	used, err := counter.GetUsed(context.Background(), "2025-12-18")
	require.NoError(t, err)
	assert.Equal(t, 8, used)

	held, ok := store.Reservation(checkout.ReservationID)
	require.True(t, ok)
	assert.Equal(t, inventory.StatusConfirmed, held.Status)

	report, err := handler.BuildReport(context.Background(), "2000-01-01T00:00:00Z", "2100-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, report.Orders, 1)
	assert.Equal(t, 8, report.Orders[0].Donuts)
	assert.Equal(t, "Sam", report.Orders[0].CustomerName)
}

func TestCardPaymentRoundTrip(t *testing.T) {
	mock, client := startMock(t)

	store := inventorytest.NewMemoryStore()
	counter := inventory.NewCounter(store, inventory.Config{DailyLimit: 250}, quietLogger())

	router := mux.NewRouter()
	storefront := httptest.NewServer(router)
	t.Cleanup(storefront.Close)
	webhookURL := storefront.URL + "/webhooks/payment"

	handler := preorders.NewHandler(client, counter, preorders.Config{
		LocationID:          "LOC",
		WebhookSignatureKey: "sig-key",
		WebhookURL:          webhookURL,
	}, quietLogger())
	handler.RegisterRoutes(router)

	mock.webhookURL = webhookURL
	mock.webhookKey = "sig-key"

	pay := func(sourceID, key string) *http.Response {
		body, _ := json.Marshal(map[string]interface{}{
			"cartItems":      []map[string]interface{}{{"name": "Classic", "quantity": 8, "unitAmountCents": 400}},
			"pickupDate":     "2025-12-18",
			"pickupTime":     "09:00",
			"customerName":   "Sam",
			"sourceId":       sourceID,
			"idempotencyKey": key,
		})
		resp, err := http.Post(storefront.URL+"/payments", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	declined := pay(declinedNonce, "attempt-1")
	assert.Equal(t, http.StatusBadRequest, declined.StatusCode)
	used, err := counter.GetUsed(context.Background(), "2025-12-18")
	require.NoError(t, err)
	assert.Zero(t, used)

	resp := pay("cnon:card-nonce-ok", "attempt-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payment models.PaymentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payment))
	assert.Equal(t, "COMPLETED", payment.Status)
	assert.Equal(t, int64(3200), payment.TotalCents)
	assert.Equal(t, 1, store.Payments())

	held, ok := store.Reservation(payment.ReservationID)
	require.True(t, ok)
	assert.Equal(t, inventory.StatusConfirmed, held.Status)

	used, err = counter.GetUsed(context.Background(), "2025-12-18")
	require.NoError(t, err)
	assert.Equal(t, 8, used)
	assert.Equal(t, 1, store.Payments())

	report, err := handler.BuildReport(context.Background(), "2000-01-01T00:00:00Z", "2100-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, report.Orders, 1)
	assert.Equal(t, payment.OrderID, report.Orders[0].ID)
}

func TestMockPaymentIsIdempotentAndChecksAmount(t *testing.T) {
	_, client := startMock(t)
	ctx := context.Background()

	order, err := client.CreateOrder(ctx, square.CreateOrderRequest{IdempotencyKey: "o-1", Order: linkRequest(2, "2025-12-18").Order})
	require.NoError(t, err)
	again, err := client.CreateOrder(ctx, square.CreateOrderRequest{IdempotencyKey: "o-1", Order: linkRequest(2, "2025-12-18").Order})
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)

	_, err = client.CreatePayment(ctx, square.CreatePaymentRequest{
		SourceID:       "cnon:ok",
		IdempotencyKey: "p-1",
		AmountMoney:    &square.Money{Amount: 1, Currency: "USD"},
		OrderID:        order.ID,
	})
	var providerErr *square.ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusBadRequest, providerErr.StatusCode)

	first, err := client.CreatePayment(ctx, square.CreatePaymentRequest{
		SourceID:       "cnon:ok",
		IdempotencyKey: "p-2",
		AmountMoney:    order.TotalMoney,
		OrderID:        order.ID,
		Autocomplete:   true,
	})
	require.NoError(t, err)
	second, err := client.CreatePayment(ctx, square.CreatePaymentRequest{
		SourceID:       "cnon:ok",
		IdempotencyKey: "p-2",
		AmountMoney:    order.TotalMoney,
		OrderID:        order.ID,
		Autocomplete:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	paid, err := client.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", paid.State)
	assert.Equal(t, first.ID, paid.PaymentID())
}
