package preorders

import (
	"net/http/httptest"
	"testing"

	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"(212) 555-0100", "+12125550100"},
		{"1-212-555-0100", "+12125550100"},
		{"+44 20 7946 0958", "+442079460958"},
		{"+123", ""},
		{"555-0100", ""},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestPickupAt(t *testing.T) {
	h := NewHandler(nil, nil, Config{}, nil)

	tests := []struct {
		name string
		req  models.CheckoutRequest
		want string
	}{
		{
			name: "window start wins",
			req: models.CheckoutRequest{PickupRequest: models.PickupRequest{
				Date: "2025-12-18", Time: "12:00", Window: &models.PickupWindow{Start: "08:15", End: "09:00"},
			}},
			want: "2025-12-18T08:15:00-05:00",
		},
		{
			name: "timestamp window",
			req: models.CheckoutRequest{PickupRequest: models.PickupRequest{
				Date: "2025-12-18", Window: &models.PickupWindow{Start: "2025-12-18T07:45:00-05:00"},
			}},
			want: "2025-12-18T07:45:00-05:00",
		},
		{
			name: "time range",
			req:  models.CheckoutRequest{PickupRequest: models.PickupRequest{Date: "2025-12-18", Time: "11:00-12:00"}},
			want: "2025-12-18T11:00:00-05:00",
		},
		{
			name: "default",
			req:  models.CheckoutRequest{PickupRequest: models.PickupRequest{Date: "2025-12-18", Time: "morning"}},
			want: "2025-12-18T10:00:00-05:00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.pickupAt(&tt.req))
		})
	}
}

func TestPickupInfoFromWindow(t *testing.T) {
	req := models.CheckoutRequest{PickupRequest: models.PickupRequest{
		Date:   "2025-12-19",
		Window: &models.PickupWindow{Start: "08:00", End: "09:00"},
		Notes:  "Birthday box",
	}}
	assert.Equal(t, "Pickup: Fri Dec 19 2025 (08:00-09:00)\nNotes: Birthday box", pickupInfo(&req))
}

func TestRedirectBase(t *testing.T) {
	r := httptest.NewRequest("POST", "/checkout", nil)
	r.Host = "shop.local:8080"

	assert.Equal(t, "https://shop.local:8080", redirectBase(r, ""))
	assert.Equal(t, "https://shop.local:8080", redirectBase(r, "/relative"))
	assert.Equal(t, "HTTP://cdn.example.com", redirectBase(r, "HTTP://cdn.example.com/"))

	r.Header.Set("X-Forwarded-Proto", "http")
	assert.Equal(t, "http://shop.local:8080", redirectBase(r, ""))
}

func TestEstimatedTotalCents(t *testing.T) {
	h := NewHandler(nil, nil, Config{TaxPercent: decimal.RequireFromString("8.875")}, nil)
	req := models.CheckoutRequest{CartItems: []models.CartItem{
		{Name: "Classic", Quantity: 3, UnitAmountCents: 400},
		{Name: "Filled", Quantity: 1, UnitAmountCents: 550},
	}}
	// 1750 + 155.3125 tax
	assert.Equal(t, int64(1905), h.estimatedTotalCents(&req))
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$12.50", FormatCents(1250))
	assert.Equal(t, "$0.05", FormatCents(5))
	assert.Equal(t, "$0.00", FormatCents(0))
}
