package square

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jogardn/donut-preorders/internal/circuitbreaker"
	"github.com/sirupsen/logrus"
)

const (
	ProductionURL = "https://connect.squareup.com"
	SandboxURL    = "https://connect.squareupsandbox.com"

	// APIVersion is pinned; payload shapes in this package follow it.
	APIVersion = "2025-01-15"

	defaultTimeout  = 10 * time.Second
	maxResponseSize = 8 << 20
	maxSearchPages  = 200
)

// Response is a raw provider reply. Body holds the JSON document; when the
// provider answers with something that is not JSON, Raw holds it instead.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Raw        string
}

func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("square response is not JSON: %q", truncate(r.Raw, 200))
	}
	return json.Unmarshal(r.Body, v)
}

// providerError returns a *ProviderError when the status or body signals a failure.
func (r *Response) providerError() error {
	var payload struct {
		Errors []APIError `json:"errors"`
	}
	if len(r.Body) > 0 {
		_ = json.Unmarshal(r.Body, &payload)
	}
	if r.StatusCode < 400 && len(payload.Errors) == 0 {
		return nil
	}
	return &ProviderError{
		StatusCode: r.StatusCode,
		Errors:     payload.Errors,
		Raw:        truncate(r.Raw, 500),
	}
}

type Options struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	Breakers    *circuitbreaker.Manager
	HTTPClient  *http.Client
}

type Client struct {
	baseURL     string
	accessToken string
	timeout     time.Duration
	httpClient  *http.Client
	breakers    *circuitbreaker.Manager
	logger      *logrus.Logger
}

func NewClient(opts Options, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = ProductionURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewManager(circuitbreaker.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			IsFailure:   IsTransient,
		}, logger)
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		accessToken: opts.AccessToken,
		timeout:     opts.Timeout,
		httpClient:  opts.HTTPClient,
		breakers:    opts.Breakers,
		logger:      logger,
	}
}

// Do issues one signed call. Every call is bounded by the client timeout and
// guarded by the breaker for its resource. A non-nil *Response is returned
// whenever Square answered, even if the answer is an error payload.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp *Response
	err := c.breakers.Breaker(breakerName(path)).Execute(ctx, func(ctx context.Context) error {
		r, err := c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
		resp = r
		return r.providerError()
	})

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal square request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Square-Version", APIVersion)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s %s: %v", ErrUnavailable, method, path, err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		resp.Body = json.RawMessage(trimmed)
	} else {
		resp.Raw = string(data)
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      httpResp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Square call completed")

	return resp, nil
}

// SearchOrders follows the cursor until Square stops returning one and
// returns every page's orders.
func (c *Client) SearchOrders(ctx context.Context, q SearchOrdersQuery) ([]Order, error) {
	body := searchOrdersBody{
		LocationIDs: q.LocationIDs,
		Limit:       q.Limit,
		Query:       &searchQuery{Filter: &searchFilter{}},
	}
	if len(q.States) > 0 {
		body.Query.Filter.StateFilter = &stateFilter{States: q.States}
	}
	switch {
	case q.ClosedAt != nil:
		body.Query.Filter.DateTimeFilter = &dateTimeFilter{ClosedAt: q.ClosedAt}
		body.Query.Sort = &searchSort{SortField: "CLOSED_AT", SortOrder: "DESC"}
	case q.CreatedAt != nil:
		body.Query.Filter.DateTimeFilter = &dateTimeFilter{CreatedAt: q.CreatedAt}
		body.Query.Sort = &searchSort{SortField: "CREATED_AT", SortOrder: "DESC"}
	}

	var orders []Order
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		resp, err := c.Do(ctx, http.MethodPost, "/v2/orders/search", body)
		if err != nil {
			return nil, fmt.Errorf("search orders page %d: %w", page, err)
		}

		var result searchOrdersResponse
		if err := resp.Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode square search response: %w", err)
		}
		orders = append(orders, result.Orders...)

		if result.Cursor == "" {
			break
		}
		if seen[result.Cursor] || page >= maxSearchPages {
			return nil, fmt.Errorf("square order search did not terminate after %d pages", page)
		}
		seen[result.Cursor] = true
		body.Cursor = result.Cursor
	}

	c.logger.WithFields(logrus.Fields{
		"count":  len(orders),
		"states": q.States,
	}).Info("Retrieved orders from Square")

	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	c.logger.WithField("order_id", orderID).Debug("Fetching order from Square")

	resp, err := c.Do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Order *Order `json:"order"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode square order: %w", err)
	}
	if result.Order == nil {
		return nil, &ProviderError{StatusCode: http.StatusNotFound, Raw: "response carried no order"}
	}

	return result.Order, nil
}

func (c *Client) ListLocations(ctx context.Context) ([]Location, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/v2/locations", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Locations []Location `json:"locations"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode square locations: %w", err)
	}
	return result.Locations, nil
}

func (c *Client) CreatePaymentLink(ctx context.Context, req CreatePaymentLinkRequest) (*CreatePaymentLinkResponse, error) {
	c.logger.WithField("idempotency_key", req.IdempotencyKey).Info("Creating Square payment link")

	resp, err := c.Do(ctx, http.MethodPost, "/v2/online-checkout/payment-links", req)
	if err != nil {
		return nil, err
	}

	var result CreatePaymentLinkResponse
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode square payment link: %w", err)
	}
	result.Raw = resp.Body

	c.logger.WithFields(logrus.Fields{
		"payment_link_id": result.PaymentLink.ID,
		"order_id":        result.PaymentLink.OrderID,
	}).Info("Square payment link created")

	return &result, nil
}

// CreateOrder registers an order without a checkout page, for card payments
// taken on the storefront itself.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/v2/orders", req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Order *Order `json:"order"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode square order: %w", err)
	}
	if result.Order == nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Raw: "response carried no order"}
	}

	c.logger.WithField("order_id", result.Order.ID).Info("Square order created")
	return result.Order, nil
}

func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	c.logger.WithFields(logrus.Fields{
		"idempotency_key": req.IdempotencyKey,
		"order_id":        req.OrderID,
	}).Info("Charging card through Square")

	resp, err := c.Do(ctx, http.MethodPost, "/v2/payments", req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Payment *Payment `json:"payment"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode square payment: %w", err)
	}
	if result.Payment == nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Raw: "response carried no payment"}
	}

	c.logger.WithFields(logrus.Fields{
		"payment_id": result.Payment.ID,
		"order_id":   result.Payment.OrderID,
		"status":     result.Payment.Status,
	}).Info("Square payment created")
	return result.Payment, nil
}

func breakerName(path string) string {
	switch {
	case strings.HasPrefix(path, "/v2/payments"):
		return "square.payments"
	case strings.HasPrefix(path, "/v2/online-checkout"):
		return "square.checkout"
	case strings.HasPrefix(path, "/v2/orders"):
		return "square.orders"
	case strings.HasPrefix(path, "/v2/locations"):
		return "square.locations"
	default:
		return "square"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
