package square

import (
	"strconv"
	"strings"
)

// PickupDetailsLineName is the informational $0 line the storefront adds so
// that pickup time and contact details print on kitchen tickets.
const PickupDetailsLineName = "Pickup Details"

func (o *Order) pickupDetails() *PickupDetails {
	if len(o.Fulfillments) == 0 {
		return nil
	}
	return o.Fulfillments[0].PickupDetails
}

// PickupAt is the first fulfillment's scheduled pickup timestamp, as sent.
func (o *Order) PickupAt() string {
	if details := o.pickupDetails(); details != nil {
		return details.PickupAt
	}
	return ""
}

// PickupDate is the calendar date prefix (YYYY-MM-DD) of PickupAt.
func (o *Order) PickupDate() string {
	pickupAt := o.PickupAt()
	if len(pickupAt) < 10 {
		return ""
	}
	return pickupAt[:10]
}

// PickupTime is the HH:MM wall-clock part of PickupAt.
func (o *Order) PickupTime() string {
	pickupAt := o.PickupAt()
	if len(pickupAt) < 16 {
		return ""
	}
	return pickupAt[11:16]
}

func (o *Order) Recipient() Recipient {
	if details := o.pickupDetails(); details != nil && details.Recipient != nil {
		return *details.Recipient
	}
	return Recipient{}
}

// SoldUnits counts donuts on positive-priced lines.
func (o *Order) SoldUnits() int {
	total := 0
	for _, li := range o.LineItems {
		if li.Name == PickupDetailsLineName || li.BasePriceMoney == nil || li.BasePriceMoney.Amount <= 0 {
			continue
		}
		total += ParseQuantity(li.Quantity)
	}
	return total
}

func (o *Order) ReturnedUnits() int {
	total := 0
	for _, ret := range o.Returns {
		for _, rli := range ret.ReturnLineItems {
			if rli.Name == PickupDetailsLineName {
				continue
			}
			if rli.BasePriceMoney != nil && rli.BasePriceMoney.Amount <= 0 {
				continue
			}
			total += ParseQuantity(rli.Quantity)
		}
	}
	return total
}

// NetUnits is sold minus returned, never negative.
func (o *Order) NetUnits() int {
	net := o.SoldUnits() - o.ReturnedUnits()
	if net < 0 {
		return 0
	}
	return net
}

// NetTotalCents prefers the post-refund net amount when Square reports one.
func (o *Order) NetTotalCents() int64 {
	if o.NetAmounts != nil && o.NetAmounts.TotalMoney != nil {
		return o.NetAmounts.TotalMoney.Amount
	}
	if o.TotalMoney != nil {
		return o.TotalMoney.Amount
	}
	return 0
}

func (o *Order) AllFulfillmentsCanceled() bool {
	if len(o.Fulfillments) == 0 {
		return false
	}
	for _, f := range o.Fulfillments {
		if f.State != "CANCELED" && f.State != "FAILED" {
			return false
		}
	}
	return true
}

// PaymentID is the payment behind the first tender, or "" for unpaid orders.
func (o *Order) PaymentID() string {
	if len(o.Tenders) == 0 {
		return ""
	}
	if o.Tenders[0].PaymentID != "" {
		return o.Tenders[0].PaymentID
	}
	return o.Tenders[0].ID
}

// ParseQuantity reads Square's decimal-string quantities. Fractional parts
// are dropped; anything unparsable counts as zero.
func ParseQuantity(q string) int {
	whole, _, _ := strings.Cut(strings.TrimSpace(q), ".")
	n, err := strconv.Atoi(whole)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
