package square

import "encoding/json"

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type OrderLineItem struct {
	UID            string `json:"uid,omitempty"`
	Name           string `json:"name"`
	Quantity       string `json:"quantity"`
	Note           string `json:"note,omitempty"`
	BasePriceMoney *Money `json:"base_price_money,omitempty"`
}

type OrderLineItemTax struct {
	UID        string `json:"uid,omitempty"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Scope      string `json:"scope"`
	Percentage string `json:"percentage"`
}

type Recipient struct {
	DisplayName  string `json:"display_name,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
}

type PickupDetails struct {
	ScheduleType string     `json:"schedule_type,omitempty"`
	PickupAt     string     `json:"pickup_at,omitempty"`
	Note         string     `json:"note,omitempty"`
	Recipient    *Recipient `json:"recipient,omitempty"`
}

type Fulfillment struct {
	UID           string         `json:"uid,omitempty"`
	Type          string         `json:"type"`
	State         string         `json:"state,omitempty"`
	PickupDetails *PickupDetails `json:"pickup_details,omitempty"`
}

type ReturnLineItem struct {
	UID            string `json:"uid,omitempty"`
	Name           string `json:"name"`
	Quantity       string `json:"quantity"`
	BasePriceMoney *Money `json:"base_price_money,omitempty"`
}

type OrderReturn struct {
	UID             string           `json:"uid,omitempty"`
	ReturnLineItems []ReturnLineItem `json:"return_line_items,omitempty"`
}

// Tender is one payment applied to an order. For card payments the tender id
// is the payment id.
type Tender struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id,omitempty"`
	Type      string `json:"type,omitempty"`
}

type NetAmounts struct {
	TotalMoney *Money `json:"total_money,omitempty"`
}

type Order struct {
	ID           string             `json:"id,omitempty"`
	LocationID   string             `json:"location_id,omitempty"`
	LineItems    []OrderLineItem    `json:"line_items,omitempty"`
	Taxes        []OrderLineItemTax `json:"taxes,omitempty"`
	Fulfillments []Fulfillment      `json:"fulfillments,omitempty"`
	Returns      []OrderReturn      `json:"returns,omitempty"`
	Tenders      []Tender           `json:"tenders,omitempty"`
	TotalMoney   *Money             `json:"total_money,omitempty"`
	NetAmounts   *NetAmounts        `json:"net_amounts,omitempty"`
	State        string             `json:"state,omitempty"`
	CreatedAt    string             `json:"created_at,omitempty"`
	ClosedAt     string             `json:"closed_at,omitempty"`
}

type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type CheckoutOptions struct {
	RedirectURL           string `json:"redirect_url,omitempty"`
	AskForShippingAddress bool   `json:"ask_for_shipping_address"`
	AllowTipping          bool   `json:"allow_tipping"`
}

type PrePopulatedData struct {
	BuyerEmail       string `json:"buyer_email,omitempty"`
	BuyerPhoneNumber string `json:"buyer_phone_number,omitempty"`
}

type CreatePaymentLinkRequest struct {
	IdempotencyKey   string            `json:"idempotency_key"`
	Order            *Order            `json:"order"`
	CheckoutOptions  *CheckoutOptions  `json:"checkout_options,omitempty"`
	PrePopulatedData *PrePopulatedData `json:"pre_populated_data,omitempty"`
	PaymentNote      string            `json:"payment_note,omitempty"`
}

type PaymentLink struct {
	ID        string `json:"id"`
	Version   int    `json:"version"`
	OrderID   string `json:"order_id"`
	URL       string `json:"url"`
	LongURL   string `json:"long_url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreatePaymentLinkResponse struct {
	PaymentLink PaymentLink `json:"payment_link"`

	// Raw is the provider body as received, handed back to storefront callers.
	Raw json.RawMessage `json:"-"`
}

type TimeRange struct {
	StartAt string `json:"start_at,omitempty"`
	EndAt   string `json:"end_at,omitempty"`
}

// SearchOrdersQuery is the subset of the Square order search filter used
// here. Only one of CreatedAt and ClosedAt should be set; Square requires the
// sort field to match the time filter.
type SearchOrdersQuery struct {
	LocationIDs []string
	States      []string
	CreatedAt   *TimeRange
	ClosedAt    *TimeRange
	Limit       int
}

type searchOrdersBody struct {
	LocationIDs []string     `json:"location_ids"`
	Query       *searchQuery `json:"query,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	Cursor      string       `json:"cursor,omitempty"`
}

type searchQuery struct {
	Filter *searchFilter `json:"filter,omitempty"`
	Sort   *searchSort   `json:"sort,omitempty"`
}

type searchFilter struct {
	StateFilter    *stateFilter    `json:"state_filter,omitempty"`
	DateTimeFilter *dateTimeFilter `json:"date_time_filter,omitempty"`
}

type stateFilter struct {
	States []string `json:"states"`
}

type dateTimeFilter struct {
	CreatedAt *TimeRange `json:"created_at,omitempty"`
	ClosedAt  *TimeRange `json:"closed_at,omitempty"`
}

type searchSort struct {
	SortField string `json:"sort_field"`
	SortOrder string `json:"sort_order"`
}

type searchOrdersResponse struct {
	Orders []Order `json:"orders"`
	Cursor string  `json:"cursor"`
}

// WebhookEvent is the envelope Square posts to notification URLs.
type WebhookEvent struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *Payment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type Payment struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	LocationID  string `json:"location_id,omitempty"`
	AmountMoney *Money `json:"amount_money,omitempty"`
	ReceiptURL  string `json:"receipt_url,omitempty"`
}

type CreateOrderRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Order          *Order `json:"order"`
}

// CreatePaymentRequest charges a card nonce from the Web Payments SDK. With
// an OrderID set, AmountMoney must equal the order's total.
type CreatePaymentRequest struct {
	SourceID          string `json:"source_id"`
	IdempotencyKey    string `json:"idempotency_key"`
	AmountMoney       *Money `json:"amount_money"`
	OrderID           string `json:"order_id,omitempty"`
	LocationID        string `json:"location_id,omitempty"`
	Autocomplete      bool   `json:"autocomplete"`
	VerificationToken string `json:"verification_token,omitempty"`
	BuyerEmailAddress string `json:"buyer_email_address,omitempty"`
	Note              string `json:"note,omitempty"`
}
