// Package backfill replays paid Square orders into the inventory counter.
// It recovers payments whose webhook never arrived; payments already counted
// are recognised by their payment id and left alone.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/sirupsen/logrus"
)

type OrderSource interface {
	SearchOrders(ctx context.Context, q square.SearchOrdersQuery) ([]square.Order, error)
}

type PaymentRecorder interface {
	ConfirmPayment(ctx context.Context, p inventory.PaymentConfirmation) (bool, error)
}

type Config struct {
	LocationID  string
	SaleDays    []string
	BatchSize   int
	Concurrency int
	DryRun      bool
}

// Result counts what a run did. A dry run only fills Candidates and
// CandidateUnits: it cannot tell a missed payment from one the webhook
// already counted without writing the payment guard.
type Result struct {
	TotalOrders    int          `json:"total_orders"`
	Candidates     int          `json:"candidates"`
	CandidateUnits int          `json:"candidate_units"`
	Applied        int          `json:"applied"`
	AlreadyCounted int          `json:"already_counted"`
	Skipped        int          `json:"skipped"`
	Failed         int          `json:"failed"`
	UnitsApplied   int          `json:"units_applied"`
	Errors         []OrderError `json:"errors"`
	DryRun         bool         `json:"dry_run"`
	ProcessingTime string       `json:"processing_time"`
	Timestamp      time.Time    `json:"timestamp"`
}

type OrderError struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type Backfiller struct {
	orders   OrderSource
	payments PaymentRecorder
	config   Config
	logger   *logrus.Logger
}

func New(orders OrderSource, payments PaymentRecorder, config Config, logger *logrus.Logger) *Backfiller {
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Backfiller{
		orders:   orders,
		payments: payments,
		config:   config,
		logger:   logger,
	}
}

type candidate struct {
	orderID   string
	paymentID string
	date      string
	units     int
}

// Run confirms every completed order created in [from, to]. Search failures
// abort the run; per-order failures are collected in the result.
func (b *Backfiller) Run(ctx context.Context, from, to string) (*Result, error) {
	startTime := time.Now()
	result := &Result{
		Errors:    []OrderError{},
		DryRun:    b.config.DryRun,
		Timestamp: startTime.UTC(),
	}

	orders, err := b.orders.SearchOrders(ctx, square.SearchOrdersQuery{
		LocationIDs: []string{b.config.LocationID},
		States:      []string{"COMPLETED"},
		CreatedAt:   &square.TimeRange{StartAt: from, EndAt: to},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search orders: %w", err)
	}
	result.TotalOrders = len(orders)

	candidates := make([]candidate, 0, len(orders))
	for i := range orders {
		if c, ok := b.candidateFor(&orders[i]); ok {
			candidates = append(candidates, c)
			result.Candidates++
			result.CandidateUnits += c.units
		} else {
			result.Skipped++
		}
	}

	b.logger.WithFields(logrus.Fields{
		"from":       from,
		"to":         to,
		"orders":     len(orders),
		"candidates": len(candidates),
		"dry_run":    b.config.DryRun,
	}).Info("Starting payment backfill")

	if b.config.DryRun {
		result.ProcessingTime = time.Since(startTime).String()
		return result, nil
	}

	batches := b.createBatches(candidates)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, b.config.Concurrency)
	resultChan := make(chan *Result, len(batches))

	for _, batch := range batches {
		wg.Add(1)
		go func(batch []candidate) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			resultChan <- b.processBatch(ctx, batch)
		}(batch)
	}

	wg.Wait()
	close(resultChan)

	for batchResult := range resultChan {
		mergeResults(result, batchResult)
	}
	result.ProcessingTime = time.Since(startTime).String()

	b.logger.WithFields(logrus.Fields{
		"applied":         result.Applied,
		"already_counted": result.AlreadyCounted,
		"skipped":         result.Skipped,
		"failed":          result.Failed,
		"units":           result.UnitsApplied,
	}).Info("Payment backfill completed")

	return result, nil
}

// candidateFor applies the same rules as the payment webhook.
func (b *Backfiller) candidateFor(order *square.Order) (candidate, bool) {
	c := candidate{
		orderID:   order.ID,
		paymentID: order.PaymentID(),
		date:      order.PickupDate(),
		units:     order.NetUnits(),
	}
	if c.paymentID == "" || c.date == "" || c.units <= 0 || order.AllFulfillmentsCanceled() {
		return c, false
	}
	if len(b.config.SaleDays) > 0 {
		for _, day := range b.config.SaleDays {
			if day == c.date {
				return c, true
			}
		}
		return c, false
	}
	return c, true
}

func (b *Backfiller) createBatches(candidates []candidate) [][]candidate {
	var batches [][]candidate
	for i := 0; i < len(candidates); i += b.config.BatchSize {
		end := i + b.config.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[i:end])
	}
	return batches
}

func (b *Backfiller) processBatch(ctx context.Context, batch []candidate) *Result {
	result := &Result{Errors: []OrderError{}}

	for _, c := range batch {
		if ctx.Err() != nil {
			result.Failed++
			result.Errors = append(result.Errors, OrderError{OrderID: c.orderID, Error: ctx.Err().Error()})
			continue
		}

		applied, err := b.payments.ConfirmPayment(ctx, inventory.PaymentConfirmation{
			PaymentID: c.paymentID,
			OrderID:   c.orderID,
			Date:      c.date,
			Units:     c.units,
		})
		switch {
		case err != nil:
			b.logger.WithError(err).WithField("order_id", c.orderID).Warn("Backfill failed for order")
			result.Failed++
			result.Errors = append(result.Errors, OrderError{OrderID: c.orderID, Error: err.Error()})
		case applied:
			b.logger.WithFields(logrus.Fields{
				"order_id":    c.orderID,
				"payment_id":  c.paymentID,
				"pickup_date": c.date,
				"units":       c.units,
			}).Info("Backfilled missed payment")
			result.Applied++
			result.UnitsApplied += c.units
		default:
			result.AlreadyCounted++
		}
	}
	return result
}

func mergeResults(target, source *Result) {
	target.Applied += source.Applied
	target.AlreadyCounted += source.AlreadyCounted
	target.Skipped += source.Skipped
	target.Failed += source.Failed
	target.UnitsApplied += source.UnitsApplied
	target.Errors = append(target.Errors, source.Errors...)
}
