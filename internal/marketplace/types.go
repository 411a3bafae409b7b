package marketplace

import "time"

// Channel order states. Ingress and the reconciler accept only
// StateHandedToCourier; the fetcher additionally tolerates StateDelivered,
// since the courier can complete between the event and our fetch.
const (
	StateHandedToCourier = "handed_to_courier"
	StateDelivered       = "delivered"
)

// QualifyingStates are the states the reconciler lists by.
var QualifyingStates = []string{StateHandedToCourier}

// EligibleAtFetch reports whether an order in this state may still be
// processed once fetched. Anything else is a state race, not an error.
func EligibleAtFetch(state string) bool {
	return state == StateHandedToCourier || state == StateDelivered
}

// All monetary fields on the wire are integers scaled by 100,000 (E5 fixed
// point); quantities are integers scaled by 1,000 (E3).

type RawOrder struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	State     string    `json:"state"`
	Currency  string    `json:"currency"`
	PlacedAt  time.Time `json:"placed_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubtotalE5 int64 `json:"subtotal_e5"`
	DiscountE5 int64 `json:"discount_e5"`
	TaxE5      int64 `json:"tax_e5"`
	TotalE5    int64 `json:"total_e5"`

	Customer *RawCustomer `json:"customer,omitempty"`
	Delivery *RawDelivery `json:"delivery,omitempty"`

	CartItems   []RawCartItem   `json:"cart_items"`
	ServiceFees []RawServiceFee `json:"service_fees,omitempty"`
	Payments    []RawPayment    `json:"payments"`
}

type RawCustomer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type RawDelivery struct {
	AddressLine string `json:"address_line,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

type RawCartItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name,omitempty"`
	QuantityE3 int64  `json:"quantity_e3"`
	PriceE5    int64  `json:"price_e5"`
	DiscountE5 int64  `json:"discount_e5"`
	TaxE5      int64  `json:"tax_e5"`
}

type RawServiceFee struct {
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	AmountE5 int64  `json:"amount_e5"`
	TaxE5    int64  `json:"tax_e5"`
}

type RawPayment struct {
	Method   string `json:"method"`
	AmountE5 int64  `json:"amount_e5"`
}

// OrderSummary is one row of the list endpoint, enough to feed the dedup
// ledger and the queue.
type OrderSummary struct {
	ID      string `json:"id"`
	StoreID string `json:"store_id"`
	State   string `json:"state"`
}

// OrderPage is one page of the list endpoint, cursor-paginated.
type OrderPage struct {
	Data       []OrderSummary `json:"data"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}
