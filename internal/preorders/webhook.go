package preorders

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/sirupsen/logrus"
)

const (
	SignatureHeader = "X-Square-Hmacsha256-Signature"
	maxWebhookBody  = 1 << 20
)

// PaymentWebhook counts paid units once per payment. Anything that is not
// an infrastructure failure is acknowledged with 200 so Square does not
// retry it.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read webhook body")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if h.config.WebhookSignatureKey != "" && !h.validSignature(r.Header.Get(SignatureHeader), body) {
		h.logger.WithField("remote", r.RemoteAddr).Warn("Webhook signature mismatch")
		h.respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event square.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.WithError(err).Warn("Failed to decode webhook event")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment := event.Data.Object.Payment
	fields := logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.Type,
	}

	switch {
	case !strings.HasPrefix(event.Type, "payment."):
		h.acknowledge(w, fields, "not a payment event")
		return
	case payment == nil || payment.Status != "COMPLETED":
		h.acknowledge(w, fields, "payment not completed")
		return
	case payment.OrderID == "":
		h.acknowledge(w, fields, "payment has no order")
		return
	}
	fields["payment_id"] = payment.ID
	fields["order_id"] = payment.OrderID

	ctx := r.Context()
	order, err := h.provider.GetOrder(ctx, payment.OrderID)
	if err != nil {
		if square.IsTransient(err) {
			h.logger.WithError(err).WithFields(fields).Warn("Square unavailable while fetching paid order")
			h.respondWithError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
			return
		}
		h.logger.WithError(err).WithFields(fields).Error("Failed to fetch paid order")
		h.acknowledge(w, fields, "order could not be fetched")
		return
	}

	date := order.PickupDate()
	units := order.NetUnits()
	fields["pickup_date"] = date
	fields["units"] = units

	if date == "" {
		h.logger.WithFields(fields).Warn("Paid order has no pickup date")
		h.acknowledge(w, fields, "order has no pickup date")
		return
	}
	if units <= 0 {
		h.logger.WithFields(fields).Warn("Paid order has no countable units")
		h.acknowledge(w, fields, "order has no units")
		return
	}

	applied, err := h.inventory.ConfirmPayment(ctx, inventory.PaymentConfirmation{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Date:      date,
		Units:     units,
	})
	if err != nil {
		var persistErr *inventory.PersistenceError
		if errors.As(err, &persistErr) && persistErr.Temporary() {
			h.logger.WithError(err).WithFields(fields).Error("Inventory store timed out confirming payment")
			h.respondWithError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
			return
		}
		h.logger.WithError(err).WithFields(fields).Error("Failed to confirm payment")
		h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"received":   true,
		"applied":    applied,
		"pickupDate": date,
		"units":      units,
	})
}

func (h *Handler) acknowledge(w http.ResponseWriter, fields logrus.Fields, reason string) {
	h.logger.WithFields(fields).WithField("reason", reason).Info("Webhook ignored")
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"ignored":  reason,
	})
}

// validSignature checks Square's HMAC-SHA256 over the notification URL
// followed by the raw body.
func (h *Handler) validSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	expected := SignPayload(h.config.WebhookSignatureKey, h.config.WebhookURL, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func SignPayload(key, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
