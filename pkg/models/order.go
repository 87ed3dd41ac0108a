package models

import (
	"encoding/json"
	"math"
	"time"
)

type CartItem struct {
	Name            string `json:"name"`
	Quantity        int    `json:"quantity"`
	UnitAmountCents int64  `json:"unitAmountCents"`
}

// PickupWindow accepts either wall-clock "HH:MM" values or RFC3339 timestamps.
// The legacy storefront sent "from"/"to", newer pages send "start"/"end".
type PickupWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w *PickupWindow) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start string `json:"start"`
		End   string `json:"end"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.Start = raw.Start
	if w.Start == "" {
		w.Start = raw.From
	}
	w.End = raw.End
	if w.End == "" {
		w.End = raw.To
	}
	return nil
}

type PickupRequest struct {
	Date          string        `json:"pickupDate"`
	Time          string        `json:"pickupTime"`
	Window        *PickupWindow `json:"pickupWindow,omitempty"`
	CustomerName  string        `json:"customerName"`
	CustomerPhone string        `json:"customerPhone"`
	CustomerEmail string        `json:"customerEmail"`
	Notes         string        `json:"notes"`
}

type CheckoutRequest struct {
	CartItems       []CartItem `json:"cartItems"`
	Currency        string     `json:"currency"`
	RedirectURLBase string     `json:"redirectUrlBase"`
	IdempotencyKey  string     `json:"idempotencyKey"`
	PickupRequest
}

// RequestedUnits is the number of donuts the cart asks for. The sum
// saturates at math.MaxInt instead of wrapping.
func (r *CheckoutRequest) RequestedUnits() int {
	total := 0
	for _, item := range r.CartItems {
		if item.Quantity > 0 && total > math.MaxInt-item.Quantity {
			return math.MaxInt
		}
		total += item.Quantity
	}
	return total
}

// PaymentRequest charges a card token from the Web Payments SDK for the cart
// without sending the buyer to a hosted checkout page. AmountCents, when
// sent, is the total the page showed and must match the order total.
type PaymentRequest struct {
	CheckoutRequest
	SourceID          string `json:"sourceId"`
	VerificationToken string `json:"verificationToken"`
	AmountCents       *int64 `json:"amountCents,omitempty"`
}

type PaymentResponse struct {
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TotalCents    int64  `json:"totalCents"`
	ReceiptURL    string `json:"receiptUrl,omitempty"`
	ReservationID string `json:"reservationId"`
	Remaining     int    `json:"remaining"`
}

type CheckoutResponse struct {
	PaymentLinkURL string          `json:"paymentLinkUrl"`
	PaymentLinkID  string          `json:"paymentLinkId"`
	OrderID        string          `json:"orderId"`
	ReservationID  string          `json:"reservationId"`
	Remaining      int             `json:"remaining"`
	PaymentLink    json.RawMessage `json:"paymentLink,omitempty"`
}

type DaySummary struct {
	Date      string `json:"date"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Committed int    `json:"committed"`
}

type AdminOrder struct {
	ID            string `json:"id"`
	PickupDate    string `json:"pickupDate"`
	PickupTime    string `json:"pickupTime"`
	Donuts        int    `json:"donuts"`
	TotalCents    int64  `json:"totalCents"`
	Total         string `json:"total"`
	CustomerName  string `json:"customerName"`
	CustomerPhone string `json:"customerPhone"`
	CustomerEmail string `json:"customerEmail"`
	CreatedAt     string `json:"createdAt"`
}

type AdminReport struct {
	DaysSummary []DaySummary `json:"daysSummary"`
	Orders      []AdminOrder `json:"orders"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

type InventoryChange struct {
	Date          string    `json:"date"`
	Used          int       `json:"used"`
	Remaining     int       `json:"remaining"`
	Delta         int       `json:"delta"`
	Reason        string    `json:"reason"`
	ReservationID string    `json:"reservation_id,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
