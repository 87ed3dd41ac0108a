package preorders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Provider is the part of the Square client the handlers use.
type Provider interface {
	CreatePaymentLink(ctx context.Context, req square.CreatePaymentLinkRequest) (*square.CreatePaymentLinkResponse, error)
	CreateOrder(ctx context.Context, req square.CreateOrderRequest) (*square.Order, error)
	CreatePayment(ctx context.Context, req square.CreatePaymentRequest) (*square.Payment, error)
	GetOrder(ctx context.Context, orderID string) (*square.Order, error)
	SearchOrders(ctx context.Context, q square.SearchOrdersQuery) ([]square.Order, error)
	ListLocations(ctx context.Context) ([]square.Location, error)
}

// Inventory is implemented by *inventory.Counter.
type Inventory interface {
	Limit() int
	Remaining(used int) int
	GetUsed(ctx context.Context, date string) (int, error)
	Usage(ctx context.Context, dates []string) (map[string]int, error)
	Reserve(ctx context.Context, req inventory.ReserveRequest) (*inventory.Reservation, int, error)
	Release(ctx context.Context, reservationID string) error
	AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error
	ConfirmPayment(ctx context.Context, p inventory.PaymentConfirmation) (bool, error)
}

type ReportCache interface {
	Get(ctx context.Context, key string) (*models.AdminReport, bool, error)
	Set(ctx context.Context, key string, report *models.AdminReport, ttl time.Duration) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type BreakerMetrics interface {
	GetAllMetrics() map[string]interface{}
}

type Config struct {
	LocationID        string
	Currency          string
	TaxPercent        decimal.Decimal
	PickupUTCOffset   string
	DefaultPickupTime string

	WebhookSignatureKey string
	WebhookURL          string

	SaleDays         []string
	AdminWindowStart string
	AdminWindowEnd   string
	AdminToken       string
	AdminCacheTTL    time.Duration

	BackfillConcurrency int
}

type Handler struct {
	provider  Provider
	inventory Inventory
	config    Config
	logger    *logrus.Logger
	now       func() time.Time

	cache    ReportCache
	store    Pinger
	breakers BreakerMetrics
}

func NewHandler(provider Provider, inv Inventory, config Config, logger *logrus.Logger) *Handler {
	if config.Currency == "" {
		config.Currency = "USD"
	}
	if config.PickupUTCOffset == "" {
		config.PickupUTCOffset = "-05:00"
	}
	if config.DefaultPickupTime == "" {
		config.DefaultPickupTime = "10:00"
	}
	if config.AdminCacheTTL <= 0 {
		config.AdminCacheTTL = time.Minute
	}

	return &Handler{
		provider:  provider,
		inventory: inv,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) SetReportCache(cache ReportCache) {
	h.cache = cache
}

func (h *Handler) SetHealthSources(store Pinger, breakers BreakerMetrics) {
	h.store = store
	h.breakers = breakers
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET", "OPTIONS")
	router.HandleFunc("/checkout", h.Checkout).Methods("POST", "OPTIONS")
	router.HandleFunc("/payments", h.Pay).Methods("POST", "OPTIONS")
	router.HandleFunc("/webhooks/payment", h.PaymentWebhook).Methods("POST")
	router.HandleFunc("/admin/orders", h.AdminOrders).Methods("GET", "OPTIONS")
	router.HandleFunc("/admin/locations", h.AdminLocations).Methods("GET", "OPTIONS")
	router.HandleFunc("/admin/inventory", h.AdminInventory).Methods("GET", "OPTIONS")
	router.HandleFunc("/admin/reconcile", h.AdminReconcile).Methods("GET", "OPTIONS")
	router.HandleFunc("/admin/backfill", h.AdminBackfill).Methods("POST", "OPTIONS")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := map[string]interface{}{
		"status":  "healthy",
		"service": "storefront",
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Inventory store health check failed")
			status = http.StatusServiceUnavailable
			health["status"] = "unhealthy"
			health["error"] = "inventory store unreachable"
		}
	}
	if h.breakers != nil {
		health["circuit_breakers"] = h.breakers.GetAllMetrics()
	}

	h.respondWithJSON(w, status, health)
}

// ValidationError is a malformed request; its message is safe to show.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}

// respondWithFailure maps an error to its status code. Provider and store
// details are logged, never returned.
func (h *Handler) respondWithFailure(w http.ResponseWriter, err error, fields logrus.Fields, action string) {
	entry := h.logger.WithError(err).WithFields(fields)

	var (
		validationErr *ValidationError
		persistErr    *inventory.PersistenceError
	)
	switch {
	case errors.As(err, &validationErr):
		h.respondWithError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, inventory.ErrInvalidUnits):
		h.respondWithError(w, http.StatusBadRequest, "Quantity must be positive")
	case square.IsTransient(err):
		entry.Warn(action + ": Square unavailable")
		h.respondWithError(w, http.StatusServiceUnavailable, "Payments are temporarily unavailable, please try again shortly.")
	case errors.As(err, &persistErr) && persistErr.Temporary():
		entry.Error(action + ": inventory store timed out")
		h.respondWithError(w, http.StatusServiceUnavailable, "Inventory is temporarily unavailable, please try again shortly.")
	case errors.As(err, &persistErr):
		entry.Error(action + ": inventory store failed")
		h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
	default:
		entry.Error(action + " failed")
		h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		code = http.StatusInternalServerError
		response = []byte(`{"error":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"error": message,
	})
}
