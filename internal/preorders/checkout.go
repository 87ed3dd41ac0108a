package preorders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jogardn/donut-preorders/internal/inventory"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

var (
	clockPrefix  = regexp.MustCompile(`^(\d{2}:\d{2})`)
	absoluteBase = regexp.MustCompile(`(?i)^https?://`)
)

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode checkout request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validateCheckout(&req); err != nil {
		h.logger.WithField("reason", err.Error()).Info("Checkout request rejected")
		h.respondWithFailure(w, err, nil, "checkout")
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

	order := h.buildOrder(&req)
	linkReq := square.CreatePaymentLinkRequest{
		IdempotencyKey: key,
		Order:          order,
		CheckoutOptions: &square.CheckoutOptions{
			RedirectURL: redirectBase(r, req.RedirectURLBase) + "/success.html",
		},
		PaymentNote: fmt.Sprintf("Pre-order pickup %s", req.Date),
	}
	if email, phone := strings.TrimSpace(req.CustomerEmail), NormalizePhone(req.CustomerPhone); email != "" || phone != "" {
		linkReq.PrePopulatedData = &square.PrePopulatedData{BuyerEmail: email, BuyerPhoneNumber: phone}
	}

	link, err := h.provider.CreatePaymentLink(ctx, linkReq)
	if err != nil {
		h.releaseAfterFailure(ctx, reservation, fields)
		h.respondWithSquareFailure(w, err, fields, "create payment link", "Error creating Square payment link")
		return
	}

	fields["order_id"] = link.PaymentLink.OrderID
	fields["payment_link_id"] = link.PaymentLink.ID
	if err := h.inventory.AttachOrder(ctx, reservation.ID, link.PaymentLink.OrderID, link.PaymentLink.ID); err != nil {
		// The hold stays pending and expires on its own; the payment webhook
		// still counts the order.
		h.logger.WithError(err).WithFields(fields).Error("Failed to link order to reservation")
	}

	h.logger.WithFields(fields).WithField("estimated_total", FormatCents(h.estimatedTotalCents(&req))).Info("Payment link created")

	h.respondWithJSON(w, http.StatusOK, models.CheckoutResponse{
		PaymentLinkURL: link.PaymentLink.URL,
		PaymentLinkID:  link.PaymentLink.ID,
		OrderID:        link.PaymentLink.OrderID,
		ReservationID:  reservation.ID,
		Remaining:      remaining,
		PaymentLink:    link.Raw,
	})
}

// reserve holds units for the cart. When it returns false the response has
// been written.
func (h *Handler) reserve(ctx context.Context, w http.ResponseWriter, date string, units int, key string, fields logrus.Fields) (*inventory.Reservation, int, bool) {
	reservation, remaining, err := h.inventory.Reserve(ctx, inventory.ReserveRequest{
		Date:           date,
		Units:          units,
		IdempotencyKey: key,
	})
	if errors.Is(err, inventory.ErrInventoryExceeded) {
		h.respondWithJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     soldOutMessage(remaining),
			"remaining": remaining,
		})
		return nil, 0, false
	}
	if err != nil {
		h.respondWithFailure(w, err, fields, "reserve inventory")
		return nil, 0, false
	}
	fields["reservation_id"] = reservation.ID
	return reservation, remaining, true
}

// releaseAfterFailure gives back units held for a link that was never
// created. A hold this request did not take belongs to an earlier attempt
// with the same key and is left alone.
func (h *Handler) releaseAfterFailure(ctx context.Context, reservation *inventory.Reservation, fields logrus.Fields) {
	if reservation.Reused || reservation.OrderID != "" {
		return
	}
	if err := h.inventory.Release(context.WithoutCancel(ctx), reservation.ID); err != nil {
		h.logger.WithError(err).WithFields(fields).Error("Failed to release reservation after checkout failure")
	}
}

// respondWithSquareFailure passes Square's own explanation of a rejected
// request back to the buyer.
func (h *Handler) respondWithSquareFailure(w http.ResponseWriter, err error, fields logrus.Fields, action, fallback string) {
	var providerErr *square.ProviderError
	if errors.As(err, &providerErr) && !square.IsTransient(err) {
		h.logger.WithError(err).WithFields(fields).Warn(action + ": Square rejected request")
		detail := providerErr.Detail()
		if detail == "" {
			detail = fallback
		}
		h.respondWithError(w, http.StatusBadRequest, detail)
		return
	}
	h.respondWithFailure(w, err, fields, action)
}

func (h *Handler) validateCheckout(req *models.CheckoutRequest) error {
	if len(req.CartItems) == 0 {
		return invalid("cartItems required")
	}
	for i, item := range req.CartItems {
		if strings.TrimSpace(item.Name) == "" {
			return invalid(fmt.Sprintf("cartItems[%d].name required", i))
		}
		if item.Quantity <= 0 {
			return invalid(fmt.Sprintf("cartItems[%d].quantity must be positive", i))
		}
		if limit := h.inventory.Limit(); item.Quantity > limit {
			return invalid(fmt.Sprintf("cartItems[%d].quantity cannot exceed %d", i, limit))
		}
		if item.UnitAmountCents <= 0 {
			return invalid(fmt.Sprintf("cartItems[%d].unitAmountCents must be positive", i))
		}
	}

	req.Date = strings.TrimSpace(req.Date)
	if req.Date == "" {
		return invalid("pickupDate required")
	}
	if _, err := time.Parse(dateLayout, req.Date); err != nil {
		return invalid("pickupDate must be YYYY-MM-DD")
	}
	if len(h.config.SaleDays) > 0 && !contains(h.config.SaleDays, req.Date) {
		return invalid("pickupDate is not open for pre-orders")
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = h.config.Currency
	}
	if !isCurrencyCode(req.Currency) {
		return invalid("currency must be a 3-letter code")
	}
	return nil
}

func (h *Handler) buildOrder(req *models.CheckoutRequest) *square.Order {
	info := pickupInfo(req)

	lineItems := make([]square.OrderLineItem, 0, len(req.CartItems)+1)
	for _, item := range req.CartItems {
		lineItems = append(lineItems, square.OrderLineItem{
			Name:           strings.TrimSpace(item.Name),
			Quantity:       strconv.Itoa(item.Quantity),
			BasePriceMoney: &square.Money{Amount: item.UnitAmountCents, Currency: req.Currency},
		})
	}
	lineItems = append(lineItems, square.OrderLineItem{
		Name:           square.PickupDetailsLineName,
		Quantity:       "1",
		Note:           info,
		BasePriceMoney: &square.Money{Amount: 0, Currency: req.Currency},
	})

	order := &square.Order{
		LocationID: h.config.LocationID,
		LineItems:  lineItems,
		Fulfillments: []square.Fulfillment{{
			Type:  "PICKUP",
			State: "PROPOSED",
			PickupDetails: &square.PickupDetails{
				ScheduleType: "SCHEDULED",
				PickupAt:     h.pickupAt(req),
				Note:         info,
				Recipient: &square.Recipient{
					DisplayName:  strings.TrimSpace(req.CustomerName),
					PhoneNumber:  NormalizePhone(req.CustomerPhone),
					EmailAddress: strings.TrimSpace(req.CustomerEmail),
				},
			},
		}},
	}

	if h.config.TaxPercent.IsPositive() {
		order.Taxes = []square.OrderLineItemTax{{
			UID:        "default-tax",
			Name:       "Sales Tax",
			Type:       "ADDITIVE",
			Scope:      "ORDER",
			Percentage: h.config.TaxPercent.String(),
		}}
	}
	return order
}

// pickupAt is the scheduled start in the shop's fixed offset.
func (h *Handler) pickupAt(req *models.CheckoutRequest) string {
	start := pickupStart(req)
	if start == "" {
		start = h.config.DefaultPickupTime
	}
	return req.Date + "T" + start + ":00" + h.config.PickupUTCOffset
}

// pickupStart prefers the window start, then the leading HH:MM of the
// pickup time. Window values may be bare clock times or full timestamps.
func pickupStart(req *models.CheckoutRequest) string {
	if req.Window != nil {
		if start := clockOf(req.Window.Start); start != "" {
			return start
		}
	}
	return clockOf(req.Time)
}

func clockOf(value string) string {
	value = strings.TrimSpace(value)
	if m := clockPrefix.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	if len(value) >= 16 && value[10] == 'T' {
		if m := clockPrefix.FindStringSubmatch(value[11:]); m != nil {
			return m[1]
		}
	}
	return ""
}

// pickupInfo is the free text printed on kitchen tickets.
func pickupInfo(req *models.CheckoutRequest) string {
	slot := strings.TrimSpace(req.Time)
	if slot == "" && req.Window != nil {
		start, end := clockOf(req.Window.Start), clockOf(req.Window.End)
		switch {
		case start != "" && end != "":
			slot = start + "-" + end
		case start != "":
			slot = start
		}
	}

	label := "Pickup: " + req.Date
	if d, err := time.Parse(dateLayout, req.Date); err == nil {
		label = "Pickup: " + d.Format("Mon Jan 02 2006")
	}
	if slot != "" {
		label += " (" + slot + ")"
	}

	lines := []string{label}
	if v := strings.TrimSpace(req.CustomerName); v != "" {
		lines = append(lines, "Name: "+v)
	}
	if v := strings.TrimSpace(req.CustomerPhone); v != "" {
		lines = append(lines, "Phone: "+v)
	}
	if v := strings.TrimSpace(req.CustomerEmail); v != "" {
		lines = append(lines, "Email: "+v)
	}
	if v := strings.TrimSpace(req.Notes); v != "" {
		lines = append(lines, "Notes: "+v)
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) estimatedTotalCents(req *models.CheckoutRequest) int64 {
	subtotal := decimal.Zero
	for _, item := range req.CartItems {
		subtotal = subtotal.Add(decimal.NewFromInt(item.UnitAmountCents).Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	tax := subtotal.Mul(h.config.TaxPercent).Div(decimal.NewFromInt(100)).Round(0)
	return subtotal.Add(tax).IntPart()
}

// NormalizePhone returns an E.164 number or "" when the input cannot be
// read as one. Ten digit numbers are assumed to be North American.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case strings.HasPrefix(raw, "+") && len(d) >= 8:
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	default:
		return ""
	}
}

func redirectBase(r *http.Request, requested string) string {
	requested = strings.TrimSpace(requested)
	if absoluteBase.MatchString(requested) {
		return strings.TrimRight(requested, "/")
	}

	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "https"
	}
	return proto + "://" + r.Host
}

func soldOutMessage(remaining int) string {
	if remaining > 0 {
		return fmt.Sprintf("Only %d donuts left for this day.", remaining)
	}
	return "This day is fully booked."
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// FormatCents renders an amount in cents as dollars, e.g. "$12.50".
func FormatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}
