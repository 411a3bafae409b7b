package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderKey identifies an order across the whole pipeline: the sales channel
// plus the channel's own order id. The dedup ledger, the order store and the
// export transaction ids all key off it.
type OrderKey struct {
	Channel  string `json:"channel"`
	SourceID string `json:"sourceId"`
}

func (k OrderKey) String() string { return k.Channel + ":" + k.SourceID }

// TransactionID is the identifier shared by all four export files for one order.
func (k OrderKey) TransactionID() string {
	return strings.ToUpper(k.Channel) + "-" + k.SourceID
}

func ParseOrderKey(s string) (OrderKey, error) {
	channel, sourceID, ok := strings.Cut(s, ":")
	if !ok || channel == "" || sourceID == "" {
		return OrderKey{}, fmt.Errorf("invalid order key %q", s)
	}
	return OrderKey{Channel: channel, SourceID: sourceID}, nil
}

// Order is the normalized order. Customer and address fields stay nullable:
// some channels withhold them for privacy.
type Order struct {
	Key           OrderKey         `json:"key"`
	StoreID       string           `json:"storeId"`
	OperatingUnit string           `json:"operatingUnit"`
	Status        ProcessingStatus `json:"status"`
	ChannelStatus string           `json:"channelStatus"`

	CustomerName  *string `json:"customerName,omitempty"`
	CustomerPhone *string `json:"customerPhone,omitempty"`
	AddressLine   *string `json:"addressLine,omitempty"`
	AddressCity   *string `json:"addressCity,omitempty"`
	AddressRegion *string `json:"addressRegion,omitempty"`
	PostalCode    *string `json:"postalCode,omitempty"`

	Currency string          `json:"currency"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`

	Lines        []OrderLine       `json:"lines"`
	Fulfillments []FulfillmentLine `json:"fulfillments"`
	Payments     []OrderPayment    `json:"payments"`
	Attributes   map[string]string `json:"attributes,omitempty"`

	PlacedAt  time.Time `json:"placedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// LastError keeps the most recent failure detail for manual replay.
	LastError string `json:"lastError,omitempty"`
}

// OrderLine is one normalized sales line. Seq is 1-based and contiguous per
// order, including after kit expansion.
type OrderLine struct {
	Seq           int             `json:"seq"`
	ProductID     string          `json:"productId"`
	Description   string          `json:"description,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Discount      decimal.Decimal `json:"discount"`
	Tax           decimal.Decimal `json:"tax"`
	LineTotal     decimal.Decimal `json:"lineTotal"`
	ServiceCharge bool            `json:"serviceCharge"`
}

// FulfillmentLine mirrors one OrderLine for pre-fulfilled channels. Supplied
// quantity and price always equal the ordered values here, type "Exact".
type FulfillmentLine struct {
	LineSeq   int             `json:"lineSeq"`
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Type      string          `json:"type"`
}

// FulfillmentExact is the only fulfillment type this pipeline produces.
const FulfillmentExact = "Exact"

type OrderPayment struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// KitDefinition maps a bundle SKU to its ordered component SKUs. Read-only
// reference data for the transformer.
type KitDefinition struct {
	ParentSKU     string   `yaml:"parent_sku" json:"parentSku"`
	ComponentSKUs []string `yaml:"component_skus" json:"componentSkus"`
}

// DedupRecord is the ledger row for one accepted order key. Append-only: the
// first successful insert for a key is never mutated.
type DedupRecord struct {
	Key       OrderKey  `json:"key"`
	FirstSeen time.Time `json:"firstSeen"`
	Outcome   string    `json:"outcome,omitempty"`
}

// QueueItem is what travels on the processing queue. It carries only the
// reference; the worker refetches full detail from the marketplace.
type QueueItem struct {
	Key     OrderKey `json:"key"`
	StoreID string   `json:"storeId"`
	Href    string   `json:"href,omitempty"`
}
