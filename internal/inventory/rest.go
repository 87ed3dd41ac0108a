package inventory

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

	"github.com/sirupsen/logrus"
)

// RESTStore talks to the same schema through a PostgREST endpoint. Atomic
// mutations go through the stored functions installed by Migrate.
type RESTStore struct {
	baseURL    string
	key        string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewRESTStore(baseURL, key string, timeout time.Duration, logger *logrus.Logger) *RESTStore {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type restError struct {
	StatusCode int
	Body       string
}

func (e *restError) Error() string {
	return fmt.Sprintf("store returned status %d: %s", e.StatusCode, e.Body)
}

func (s *RESTStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, "/rest/v1/daily_inventory?select=pickup_date&limit=1", nil, "")
	return err
}

func (s *RESTStore) Used(ctx context.Context, date string) (int, error) {
	query := url.Values{}
	query.Set("pickup_date", "eq."+date)
	query.Set("select", "used_units")
	query.Set("limit", "1")

	body, err := s.do(ctx, http.MethodGet, "/rest/v1/daily_inventory?"+query.Encode(), nil, "")
	if err != nil {
		return 0, err
	}

	var rows []struct {
		UsedUnits int `json:"used_units"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode daily inventory: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].UsedUnits, nil
}

func (s *RESTStore) UsedForDates(ctx context.Context, dates []string) (map[string]int, error) {
	usage := make(map[string]int, len(dates))
	if len(dates) == 0 {
		return usage, nil
	}

	query := url.Values{}
	query.Set("pickup_date", "in.("+strings.Join(dates, ",")+")")
	query.Set("select", "pickup_date,used_units")

	body, err := s.do(ctx, http.MethodGet, "/rest/v1/daily_inventory?"+query.Encode(), nil, "")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		PickupDate string `json:"pickup_date"`
		UsedUnits  int    `json:"used_units"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode daily inventory: %w", err)
	}
	for _, row := range rows {
		usage[row.PickupDate] = row.UsedUnits
	}
	return usage, nil
}

type reserveResult struct {
	Outcome       string    `json:"outcome"`
	ID            string    `json:"id"`
	PickupDate    string    `json:"pickup_date"`
	Units         int       `json:"units"`
	Status        string    `json:"status"`
	OrderID       string    `json:"order_id"`
	PaymentLinkID string    `json:"payment_link_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	Used          int       `json:"used"`
}

func (s *RESTStore) Reserve(ctx context.Context, r Reservation, limit int) (Reservation, Change, error) {
	args := map[string]interface{}{
		"p_id":         r.ID,
		"p_key":        r.IdempotencyKey,
		"p_date":       r.Date,
		"p_units":      r.Units,
		"p_limit":      limit,
		"p_expires_at": r.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}

	var result reserveResult
	err := s.rpc(ctx, "reserve_inventory", args, &result)
	var rerr *restError
	if errors.As(err, &rerr) && rerr.StatusCode == http.StatusConflict {
		// A concurrent request inserted the same idempotency key; the
		// second call returns that hold.
		s.logger.WithField("idempotency_key", r.IdempotencyKey).Debug("Reservation key conflict, re-reading")
		err = s.rpc(ctx, "reserve_inventory", args, &result)
	}
	if err != nil {
		return Reservation{}, Change{}, err
	}

	switch result.Outcome {
	case "exceeded":
		return Reservation{}, Change{}, &ExceededError{Date: r.Date, Requested: r.Units, Remaining: remaining(limit, result.Used)}
	case "existing":
		held := Reservation{
			ID:             result.ID,
			IdempotencyKey: r.IdempotencyKey,
			Date:           result.PickupDate,
			Units:          result.Units,
			Status:         Status(result.Status),
			OrderID:        result.OrderID,
			PaymentLinkID:  result.PaymentLinkID,
			ExpiresAt:      result.ExpiresAt,
			CreatedAt:      result.CreatedAt,
		}
		return held, Change{Date: held.Date, Used: result.Used}, nil
	case "reserved":
		r.Status = StatusPending
		return r, Change{Date: r.Date, Used: result.Used, Delta: r.Units}, nil
	default:
		return Reservation{}, Change{}, fmt.Errorf("unexpected reserve outcome %q", result.Outcome)
	}
}

func (s *RESTStore) Release(ctx context.Context, req ReleaseRequest) (Change, bool, error) {
	args := map[string]interface{}{
		"p_id":     req.ID,
		"p_status": string(req.Status),
	}
	if !req.ExpiredBy.IsZero() {
		args["p_expired_by"] = req.ExpiredBy.UTC().Format(time.RFC3339Nano)
	}

	var result struct {
		Found    bool   `json:"found"`
		Released bool   `json:"released"`
		Date     string `json:"date"`
		Used     int    `json:"used"`
		Delta    int    `json:"delta"`
	}
	if err := s.rpc(ctx, "release_reservation", args, &result); err != nil {
		return Change{}, false, err
	}
	if !result.Found {
		return Change{}, false, ErrReservationNotFound
	}
	if !result.Released {
		return Change{}, false, nil
	}
	return Change{Date: result.Date, Used: result.Used, Delta: result.Delta}, true, nil
}

func (s *RESTStore) AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error {
	query := url.Values{}
	query.Set("id", "eq."+reservationID)
	query.Set("select", "id")

	patch := map[string]interface{}{
		"order_id":        orderID,
		"payment_link_id": paymentLinkID,
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := s.do(ctx, http.MethodPatch, "/rest/v1/inventory_reservations?"+query.Encode(), patch, "return=representation")
	if err != nil {
		return err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("failed to decode reservation update: %w", err)
	}
	if len(rows) == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (s *RESTStore) ConfirmPayment(ctx context.Context, c PaymentConfirmation) (ConfirmResult, error) {
	args := map[string]interface{}{
		"p_payment_id": c.PaymentID,
		"p_order_id":   c.OrderID,
		"p_date":       c.Date,
		"p_units":      c.Units,
	}

	var result struct {
		Applied       bool   `json:"applied"`
		ReservationID string `json:"reservation_id"`
		Changes       []struct {
			Date  string `json:"date"`
			Used  int    `json:"used"`
			Delta int    `json:"delta"`
		} `json:"changes"`
	}
	if err := s.rpc(ctx, "confirm_payment", args, &result); err != nil {
		return ConfirmResult{}, err
	}

	confirm := ConfirmResult{Applied: result.Applied, ReservationID: result.ReservationID}
	for _, ch := range result.Changes {
		confirm.Changes = append(confirm.Changes, Change{Date: ch.Date, Used: ch.Used, Delta: ch.Delta})
	}
	return confirm, nil
}

func (s *RESTStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := url.Values{}
	query.Set("status", "eq."+string(StatusPending))
	query.Set("expires_at", "lte."+now.UTC().Format(time.RFC3339Nano))
	query.Set("select", "id")
	query.Set("order", "expires_at")
	query.Set("limit", fmt.Sprintf("%d", limit))

	body, err := s.do(ctx, http.MethodGet, "/rest/v1/inventory_reservations?"+query.Encode(), nil, "")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode reservations: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (s *RESTStore) rpc(ctx context.Context, fn string, args interface{}, out interface{}) error {
	body, err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, args, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", fn, err)
	}
	return nil
}

func (s *RESTStore) do(ctx context.Context, method, path string, payload interface{}, prefer string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to store: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read store response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   strings.SplitN(path, "?", 2)[0],
			"status": resp.StatusCode,
		}).Warn("Store request failed")
		return nil, &restError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
