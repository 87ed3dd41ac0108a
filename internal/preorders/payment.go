package preorders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

// Pay charges a card token for the cart. Units are held first, then a Square
// order is created and paid with autocomplete. A completed payment is
// counted here; the webhook for it then finds the payment already counted.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode payment request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validatePayment(&req); err != nil {
		h.logger.WithField("reason", err.Error()).Info("Payment request rejected")
		h.respondWithFailure(w, err, nil, "payment")
		return
	}

	ctx := r.Context()
	units := req.RequestedUnits()
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	fields := logrus.Fields{
		"pickup_date":     req.Date,
		"units":           units,
		"idempotency_key": key,
	}

	reservation, remaining, ok := h.reserve(ctx, w, req.Date, units, key, fields)
	if !ok {
		return
	}

	order, err := h.provider.CreateOrder(ctx, square.CreateOrderRequest{
		IdempotencyKey: "order-" + key,
		Order:          h.buildOrder(&req.CheckoutRequest),
	})
	if err != nil {
		h.releaseAfterFailure(ctx, reservation, fields)
		h.respondWithSquareFailure(w, err, fields, "create order", "Error creating Square order")
		return
	}
	fields["order_id"] = order.ID

	if err := h.inventory.AttachOrder(ctx, reservation.ID, order.ID, ""); err != nil {
		h.logger.WithError(err).WithFields(fields).Error("Failed to link order to reservation")
	}

	total := h.estimatedTotalCents(&req.CheckoutRequest)
	currency := req.Currency
	if order.TotalMoney != nil {
		total = order.TotalMoney.Amount
		if order.TotalMoney.Currency != "" {
			currency = order.TotalMoney.Currency
		}
	}
	if req.AmountCents != nil && *req.AmountCents != total {
		h.logger.WithFields(fields).WithFields(logrus.Fields{
			"shown_total": *req.AmountCents,
			"order_total": total,
		}).Warn("Payment amount does not match order total")
		h.releaseAfterFailure(ctx, reservation, fields)
		h.respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "Amount does not match order total",
			"totalCents": total,
		})
		return
	}

	payment, err := h.provider.CreatePayment(ctx, square.CreatePaymentRequest{
		SourceID:          req.SourceID,
		IdempotencyKey:    key,
		AmountMoney:       &square.Money{Amount: total, Currency: currency},
		OrderID:           order.ID,
		LocationID:        h.config.LocationID,
		Autocomplete:      true,
		VerificationToken: strings.TrimSpace(req.VerificationToken),
		BuyerEmailAddress: strings.TrimSpace(req.CustomerEmail),
		Note:              fmt.Sprintf("Pre-order pickup %s", req.Date),
	})
	if err != nil {
		// A charge that timed out may still complete. Its hold stays until
		// the webhook confirms it or the sweeper expires it.
		if !square.IsTransient(err) {
			h.releaseAfterFailure(ctx, reservation, fields)
		}
		h.respondWithSquareFailure(w, err, fields, "create payment", "Card payment failed")
		return
	}
	fields["payment_id"] = payment.ID
	fields["status"] = payment.Status

	if payment.Status == "COMPLETED" {
		_, err := h.inventory.ConfirmPayment(context.WithoutCancel(ctx), inventory.PaymentConfirmation{
			PaymentID: payment.ID,
			OrderID:   order.ID,
			Date:      req.Date,
			Units:     units,
		})
		if err != nil {
			h.logger.WithError(err).WithFields(fields).Error("Failed to count card payment, webhook will retry")
		}
	}

	h.logger.WithFields(fields).WithField("total", FormatCents(total)).Info("Card payment taken")

	h.respondWithJSON(w, http.StatusOK, models.PaymentResponse{
		PaymentID:     payment.ID,
		OrderID:       order.ID,
		Status:        payment.Status,
		TotalCents:    total,
		ReceiptURL:    payment.ReceiptURL,
		ReservationID: reservation.ID,
		Remaining:     remaining,
	})
}

func (h *Handler) validatePayment(req *models.PaymentRequest) error {
	if err := h.validateCheckout(&req.CheckoutRequest); err != nil {
		return err
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceID == "" {
		return invalid("sourceId required")
	}
	if req.AmountCents != nil && *req.AmountCents <= 0 {
		return invalid("amountCents must be positive")
	}
	return nil
}
