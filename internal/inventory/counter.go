package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDailyLimit     = 250
	DefaultReservationTTL = 30 * time.Minute
	defaultStoreTimeout   = 5 * time.Second
	expireBatchSize       = 100
)

// Notifier is told about every committed change to a daily total.
type Notifier interface {
	InventoryChanged(ctx context.Context, change models.InventoryChange)
}

type Config struct {
	DailyLimit     int
	ReservationTTL time.Duration
	StoreTimeout   time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type ReserveRequest struct {
	Date           string
	Units          int
	IdempotencyKey string
}

// Counter is the single source of truth for units committed per pickup
// date. All handlers read and write usage through it.
type Counter struct {
	store        Store
	limit        int
	ttl          time.Duration
	storeTimeout time.Duration
	notifiers    []Notifier
	logger       *logrus.Logger
	now          func() time.Time
}

func NewCounter(store Store, config Config, logger *logrus.Logger, notifiers ...Notifier) *Counter {
	if config.DailyLimit <= 0 {
		config.DailyLimit = DefaultDailyLimit
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = DefaultReservationTTL
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Counter{
		store:        store,
		limit:        config.DailyLimit,
		ttl:          config.ReservationTTL,
		storeTimeout: config.StoreTimeout,
		notifiers:    notifiers,
		logger:       logger,
		now:          config.Now,
	}
}

func (c *Counter) Limit() int {
	return c.limit
}

// Remaining never goes below zero, even when confirmed payments pushed a
// day past the limit.
func (c *Counter) Remaining(used int) int {
	if used >= c.limit {
		return 0
	}
	return c.limit - used
}

func (c *Counter) GetUsed(ctx context.Context, date string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	used, err := c.store.Used(ctx, date)
	if err != nil {
		return 0, persistence("read", err)
	}
	return used, nil
}

func (c *Counter) Usage(ctx context.Context, dates []string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	usage, err := c.store.UsedForDates(ctx, dates)
	if err != nil {
		return nil, persistence("read", err)
	}
	for _, date := range dates {
		if _, ok := usage[date]; !ok {
			usage[date] = 0
		}
	}
	return usage, nil
}

// Reserve holds units for a date and returns what is left afterwards. The
// hold expires after the reservation TTL unless a payment confirms it.
func (c *Counter) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, int, error) {
	if req.Units <= 0 {
		return nil, 0, ErrInvalidUnits
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if req.Units > c.limit {
		used, err := c.store.Used(ctx, req.Date)
		if err != nil {
			return nil, 0, persistence("read", err)
		}
		remaining := c.Remaining(used)
		return nil, remaining, &ExceededError{Date: req.Date, Requested: req.Units, Remaining: remaining}
	}

	now := c.now().UTC()
	hold := Reservation{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Date:           req.Date,
		Units:          req.Units,
		Status:         StatusPending,
		ExpiresAt:      now.Add(c.ttl),
		CreatedAt:      now,
	}

	reservation, change, err := c.store.Reserve(ctx, hold, c.limit)
	if err != nil {
		var exceeded *ExceededError
		if errors.As(err, &exceeded) {
			c.logger.WithFields(logrus.Fields{
				"pickup_date": req.Date,
				"requested":   req.Units,
				"remaining":   exceeded.Remaining,
			}).Info("Reservation refused, daily limit reached")
			return nil, exceeded.Remaining, err
		}
		c.logger.WithError(err).WithField("pickup_date", req.Date).Error("Failed to reserve inventory")
		return nil, 0, persistence("reserve", err)
	}

	remaining := c.Remaining(change.Used)
	if change.Delta == 0 {
		reservation.Reused = true
		c.logger.WithFields(logrus.Fields{
			"reservation_id":  reservation.ID,
			"idempotency_key": req.IdempotencyKey,
		}).Info("Reservation already held for idempotency key")
		return &reservation, remaining, nil
	}

	c.logger.WithFields(logrus.Fields{
		"reservation_id": reservation.ID,
		"pickup_date":    req.Date,
		"units":          req.Units,
		"used":           change.Used,
		"remaining":      remaining,
	}).Info("Inventory reserved")

	c.notify(ctx, change, "reserved", func(ev *models.InventoryChange) {
		ev.ReservationID = reservation.ID
	})

	return &reservation, remaining, nil
}

// Release gives back a pending hold, for example when the payment link
// could not be created. Releasing an already settled hold is a no-op.
func (c *Counter) Release(ctx context.Context, reservationID string) error {
	_, err := c.release(ctx, ReleaseRequest{ID: reservationID, Status: StatusReleased}, "released")
	return err
}

func (c *Counter) release(ctx context.Context, req ReleaseRequest, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	change, released, err := c.store.Release(ctx, req)
	if err != nil {
		return false, persistence("release", err)
	}
	if !released {
		return false, nil
	}

	c.logger.WithFields(logrus.Fields{
		"reservation_id": req.ID,
		"pickup_date":    change.Date,
		"units":          -change.Delta,
		"used":           change.Used,
		"reason":         reason,
	}).Info("Inventory reservation released")

	c.notify(ctx, change, reason, func(ev *models.InventoryChange) {
		ev.ReservationID = req.ID
	})
	return true, nil
}

func (c *Counter) AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if err := c.store.AttachOrder(ctx, reservationID, orderID, paymentLinkID); err != nil {
		return persistence("attach order", err)
	}
	return nil
}

// ConfirmPayment commits paid units once per payment id. It reports false
// when the payment had already been counted.
func (c *Counter) ConfirmPayment(ctx context.Context, p PaymentConfirmation) (bool, error) {
	if p.Units <= 0 {
		return false, ErrInvalidUnits
	}

	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	result, err := c.store.ConfirmPayment(ctx, p)
	if err != nil {
		return false, persistence("confirm payment", err)
	}

	fields := logrus.Fields{
		"payment_id":  p.PaymentID,
		"order_id":    p.OrderID,
		"pickup_date": p.Date,
		"units":       p.Units,
	}
	if !result.Applied {
		c.logger.WithFields(fields).Info("Payment already counted, skipping")
		return false, nil
	}

	fields["reservation_id"] = result.ReservationID
	c.logger.WithFields(fields).Info("Payment confirmed")

	for _, change := range result.Changes {
		if change.Used > c.limit {
			c.logger.WithFields(logrus.Fields{
				"pickup_date": change.Date,
				"used":        change.Used,
				"limit":       c.limit,
				"payment_id":  p.PaymentID,
			}).Warn("Confirmed payment pushed day past daily limit")
		}
		c.notify(ctx, change, "payment_confirmed", func(ev *models.InventoryChange) {
			ev.PaymentID = p.PaymentID
			ev.OrderID = p.OrderID
			ev.ReservationID = result.ReservationID
		})
	}
	return true, nil
}

// ExpireReservations releases holds whose payment never arrived and returns
// how many were released.
func (c *Counter) ExpireReservations(ctx context.Context) (int, error) {
	now := c.now().UTC()

	listCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	ids, err := c.store.ExpiredReservations(listCtx, now, expireBatchSize)
	cancel()
	if err != nil {
		return 0, persistence("list expired", err)
	}

	expired := 0
	for _, id := range ids {
		released, err := c.release(ctx, ReleaseRequest{ID: id, Status: StatusExpired, ExpiredBy: now}, "expired")
		if errors.Is(err, ErrReservationNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if released {
			expired++
		}
	}

	if expired > 0 {
		c.logger.WithField("count", expired).Info("Expired pending reservations")
	}
	return expired, nil
}

// RunSweeper expires abandoned holds every interval until ctx is done.
func (c *Counter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		c.logger.WithField("interval", interval).Warn("Reservation sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.ExpireReservations(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to expire reservations")
			}
		}
	}
}

func (c *Counter) notify(ctx context.Context, change Change, reason string, decorate func(*models.InventoryChange)) {
	if len(c.notifiers) == 0 {
		return
	}

	event := models.InventoryChange{
		Date:       change.Date,
		Used:       change.Used,
		Remaining:  c.Remaining(change.Used),
		Delta:      change.Delta,
		Reason:     reason,
		OccurredAt: c.now().UTC(),
	}
	if decorate != nil {
		decorate(&event)
	}

	for _, n := range c.notifiers {
		n.InventoryChanged(ctx, event)
	}
}
