package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/donut-preorders/internal/preorders"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const pageSize = 2

// declinedNonce is Square's sandbox test card that always declines.
const declinedNonce = "cnon:card-nonce-declined"

// mockSquare keeps orders and payment links in memory. Visiting a payment
// link or charging a card completes the order and, when a webhook target is
// set, posts the payment event to it the way Square would.
type mockSquare struct {
	orders     map[string]*square.Order
	links      map[string]square.PaymentLink
	orderKeys  map[string]string
	payments   map[string]square.Payment
	locationID string
	baseURL    string
	webhookURL string
	webhookKey string
	httpClient *http.Client
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func newMockSquare(locationID, baseURL string, logger *logrus.Logger) *mockSquare {
	return &mockSquare{
		orders:     make(map[string]*square.Order),
		links:      make(map[string]square.PaymentLink),
		orderKeys:  make(map[string]string),
		payments:   make(map[string]square.Payment),
		locationID: locationID,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (m *mockSquare) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", m.healthCheck).Methods("GET")
	router.HandleFunc("/v2/orders", m.createOrder).Methods("POST")
	router.HandleFunc("/v2/orders/search", m.searchOrders).Methods("POST")
	router.HandleFunc("/v2/orders/{id}", m.getOrder).Methods("GET")
	router.HandleFunc("/v2/locations", m.listLocations).Methods("GET")
	router.HandleFunc("/v2/online-checkout/payment-links", m.createPaymentLink).Methods("POST")
	router.HandleFunc("/v2/payments", m.createPayment).Methods("POST")
	router.HandleFunc("/pay/{id}", m.pay).Methods("GET", "POST")
	return router
}

func (m *mockSquare) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "square-mock",
	})
}

func (m *mockSquare) createPaymentLink(w http.ResponseWriter, r *http.Request) {
	var req square.CreatePaymentLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Order == nil {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", "order is required")
		return
	}
	if req.Order.LocationID != m.locationID {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "NOT_FOUND", "Location `"+req.Order.LocationID+"` not found")
		return
	}

	order := *req.Order
	order.ID = uuid.NewString()
	order.State = "OPEN"
	order.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	order.TotalMoney = &square.Money{Amount: orderTotal(&order), Currency: currencyOf(&order)}

	link := square.PaymentLink{
		ID:        uuid.NewString(),
		Version:   1,
		OrderID:   order.ID,
		CreatedAt: order.CreatedAt,
	}
	link.URL = m.baseURL + "/pay/" + link.ID

	m.mutex.Lock()
	m.orders[order.ID] = &order
	m.links[link.ID] = link
	m.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"order_id":        order.ID,
		"payment_link_id": link.ID,
		"total":           order.TotalMoney.Amount,
	}).Info("Payment link created")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"payment_link":      link,
		"related_resources": map[string]interface{}{"orders": []square.Order{order}},
	})
}

// pay simulates the buyer completing checkout.
func (m *mockSquare) pay(w http.ResponseWriter, r *http.Request) {
	linkID := mux.Vars(r)["id"]

	m.mutex.Lock()
	link, ok := m.links[linkID]
	var payment square.Payment
	if ok {
		payment = m.completeOrder(m.orders[link.OrderID])
	}
	m.mutex.Unlock()

	if !ok {
		respondWithSquareError(w, http.StatusNotFound, "INVALID_REQUEST_ERROR", "NOT_FOUND", "payment link not found")
		return
	}

	m.paid(payment)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"payment": payment})
}

func (m *mockSquare) createOrder(w http.ResponseWriter, r *http.Request) {
	var req square.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Order == nil {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", "order is required")
		return
	}
	if req.Order.LocationID != m.locationID {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "NOT_FOUND", "Location `"+req.Order.LocationID+"` not found")
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if id, ok := m.orderKeys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"order": *m.orders[id]})
		return
	}

	order := *req.Order
	order.ID = uuid.NewString()
	order.State = "OPEN"
	order.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	order.TotalMoney = &square.Money{Amount: orderTotal(&order), Currency: currencyOf(&order)}

	m.orders[order.ID] = &order
	if req.IdempotencyKey != "" {
		m.orderKeys[req.IdempotencyKey] = order.ID
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"total":    order.TotalMoney.Amount,
	}).Info("Order created")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

// createPayment charges a card nonce against an open order. A repeated
// idempotency key returns the first payment.
func (m *mockSquare) createPayment(w http.ResponseWriter, r *http.Request) {
	var req square.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" || req.AmountMoney == nil {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", "source_id and amount_money are required")
		return
	}
	if req.SourceID == declinedNonce {
		respondWithSquareError(w, http.StatusPaymentRequired, "PAYMENT_METHOD_ERROR", "GENERIC_DECLINE", "Authorization error: 'GENERIC_DECLINE'")
		return
	}

	m.mutex.Lock()
	if payment, ok := m.payments[req.IdempotencyKey]; ok {
		m.mutex.Unlock()
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"payment": payment})
		return
	}

	order, ok := m.orders[req.OrderID]
	switch {
	case !ok:
		m.mutex.Unlock()
		respondWithSquareError(w, http.StatusNotFound, "INVALID_REQUEST_ERROR", "NOT_FOUND", "Order `"+req.OrderID+"` not found")
		return
	case order.State != "OPEN":
		m.mutex.Unlock()
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", "Order is not open")
		return
	case order.TotalMoney.Amount != req.AmountMoney.Amount:
		m.mutex.Unlock()
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "INVALID_VALUE", "Payment amount does not match order total")
		return
	}

	payment := m.completeOrder(order)
	payment.ReceiptURL = m.baseURL + "/receipt/" + payment.ID
	m.payments[req.IdempotencyKey] = payment
	m.mutex.Unlock()

	m.paid(payment)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"payment": payment})
}

// completeOrder marks order paid by a new card tender. Callers hold the lock.
func (m *mockSquare) completeOrder(order *square.Order) square.Payment {
	payment := square.Payment{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		Status:      "COMPLETED",
		LocationID:  m.locationID,
		AmountMoney: order.TotalMoney,
	}
	order.State = "COMPLETED"
	order.ClosedAt = time.Now().UTC().Format(time.RFC3339)
	order.Tenders = append(order.Tenders, square.Tender{ID: uuid.NewString(), PaymentID: payment.ID, Type: "CARD"})
	return payment
}

func (m *mockSquare) paid(payment square.Payment) {
	m.logger.WithFields(logrus.Fields{
		"order_id":   payment.OrderID,
		"payment_id": payment.ID,
	}).Info("Order paid")

	if m.webhookURL != "" {
		go m.deliverWebhook(payment.ID, payment.OrderID, payment.AmountMoney)
	}
}

func (m *mockSquare) deliverWebhook(paymentID, orderID string, amount *square.Money) {
	event := map[string]interface{}{
		"merchant_id": "MOCK",
		"type":        "payment.updated",
		"event_id":    uuid.NewString(),
		"created_at":  time.Now().UTC().Format(time.RFC3339),
		"data": map[string]interface{}{
			"type": "payment",
			"id":   paymentID,
			"object": map[string]interface{}{
				"payment": square.Payment{ID: paymentID, OrderID: orderID, Status: "COMPLETED", LocationID: m.locationID, AmountMoney: amount},
			},
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode webhook event")
		return
	}

	req, err := http.NewRequest(http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		m.logger.WithError(err).Error("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if m.webhookKey != "" {
		req.Header.Set(preorders.SignatureHeader, preorders.SignPayload(m.webhookKey, m.webhookURL, body))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.WithError(err).Warn("Webhook delivery failed")
		return
	}
	resp.Body.Close()
	m.logger.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"status":     resp.StatusCode,
	}).Info("Webhook delivered")
}

func (m *mockSquare) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	m.mutex.RLock()
	order, ok := m.orders[orderID]
	var copied square.Order
	if ok {
		copied = *order
	}
	m.mutex.RUnlock()

	if !ok {
		respondWithSquareError(w, http.StatusNotFound, "INVALID_REQUEST_ERROR", "NOT_FOUND", "Order not found")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"order": copied})
}

type searchRequest struct {
	LocationIDs []string `json:"location_ids"`
	Cursor      string   `json:"cursor"`
	Query       struct {
		Filter struct {
			StateFilter *struct {
				States []string `json:"states"`
			} `json:"state_filter"`
			DateTimeFilter *struct {
				CreatedAt *square.TimeRange `json:"created_at"`
			} `json:"date_time_filter"`
		} `json:"filter"`
	} `json:"query"`
}

// searchOrders returns matches oldest first, pageSize at a time, with the
// next offset as the cursor.
func (m *mockSquare) searchOrders(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", "invalid JSON")
		return
	}

	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			respondWithSquareError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "INVALID_CURSOR", "cursor is invalid")
			return
		}
		offset = n
	}

	matches := m.matching(req)
	page := []square.Order{}
	if offset < len(matches) {
		end := offset + pageSize
		if end > len(matches) {
			end = len(matches)
		}
		page = matches[offset:end]
	}

	resp := map[string]interface{}{"orders": page}
	if offset+pageSize < len(matches) {
		resp["cursor"] = strconv.Itoa(offset + pageSize)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (m *mockSquare) matching(req searchRequest) []square.Order {
	states := map[string]bool{}
	if f := req.Query.Filter.StateFilter; f != nil {
		for _, s := range f.States {
			states[s] = true
		}
	}
	var window *square.TimeRange
	if f := req.Query.Filter.DateTimeFilter; f != nil {
		window = f.CreatedAt
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	matches := make([]square.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if len(states) > 0 && !states[order.State] {
			continue
		}
		if window != nil && !inWindow(order.CreatedAt, window) {
			continue
		}
		matches = append(matches, *order)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt == matches[j].CreatedAt {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt < matches[j].CreatedAt
	})
	return matches
}

func (m *mockSquare) listLocations(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"locations": []square.Location{{
			ID:       m.locationID,
			Name:     "Mock Donut Shop",
			Status:   "ACTIVE",
			Timezone: "America/New_York",
			Currency: "USD",
		}},
	})
}

func inWindow(createdAt string, window *square.TimeRange) bool {
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return false
	}
	if start, err := time.Parse(time.RFC3339, window.StartAt); err == nil && ts.Before(start) {
		return false
	}
	if end, err := time.Parse(time.RFC3339, window.EndAt); err == nil && ts.After(end) {
		return false
	}
	return true
}

// orderTotal is the line subtotal plus order-scoped percentage taxes,
// rounded to the cent.
func orderTotal(order *square.Order) int64 {
	subtotal := decimal.Zero
	for _, li := range order.LineItems {
		if li.BasePriceMoney == nil {
			continue
		}
		subtotal = subtotal.Add(decimal.NewFromInt(li.BasePriceMoney.Amount).Mul(decimal.NewFromInt(int64(square.ParseQuantity(li.Quantity)))))
	}
	total := subtotal
	for _, tax := range order.Taxes {
		pct, err := decimal.NewFromString(tax.Percentage)
		if err != nil {
			continue
		}
		total = total.Add(subtotal.Mul(pct).Div(decimal.NewFromInt(100)))
	}
	return total.Round(0).IntPart()
}

func currencyOf(order *square.Order) string {
	for _, li := range order.LineItems {
		if li.BasePriceMoney != nil && li.BasePriceMoney.Currency != "" {
			return li.BasePriceMoney.Currency
		}
	}
	return "USD"
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	port := getEnv("SQUARE_MOCK_PORT", "8082")
	mock := newMockSquare(
		getEnv("SQUARE_LOCATION_ID", "MOCK-LOCATION"),
		getEnv("SQUARE_MOCK_PUBLIC_URL", "http://localhost:"+port),
		logger,
	)
	mock.webhookURL = os.Getenv("SQUARE_WEBHOOK_URL")
	mock.webhookKey = os.Getenv("SQUARE_WEBHOOK_SIGNATURE_KEY")

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mock.routes(),
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        port,
			"location_id": mock.locationID,
			"webhook_url": mock.webhookURL,
		}).Info("Starting Square mock server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down Square mock server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}

	logger.Info("Square mock server gracefully stopped")
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithSquareError(w http.ResponseWriter, code int, category, errCode, detail string) {
	respondWithJSON(w, code, map[string]interface{}{
		"errors": []square.APIError{{Category: category, Code: errCode, Detail: detail}},
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
