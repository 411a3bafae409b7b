package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderbridge/internal/marketplace"
	"orderbridge/internal/model"
)

func TestMoneyFromE5(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{1250000, "12.50"},
		{1, "0.00"},
		{50000, "0.50"},
		{0, "0.00"},
		{100000, "1.00"},
		{150500, "1.51"}, // 1.505 rounds half-up
		{-150500, "-1.51"},
	}
	for _, c := range cases {
		if got := MoneyFromE5(c.in).StringFixed(2); got != c.want {
			t.Errorf("MoneyFromE5(%d) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestQuantityFromE3(t *testing.T) {
	if got := QuantityFromE3(1500).StringFixed(3); got != "1.500" {
		t.Errorf("QuantityFromE3(1500) = %s", got)
	}
	if got := QuantityFromE3(1).StringFixed(3); got != "0.001" {
		t.Errorf("QuantityFromE3(1) = %s", got)
	}
}

func testRules() ChannelRules { return ChannelRules{"shopfront": "SF-"} }

func rawFixture() *marketplace.RawOrder {
	return &marketplace.RawOrder{
		ID:         "O100",
		StoreID:    "store-9",
		State:      marketplace.StateHandedToCourier,
		Currency:   "USD",
		PlacedAt:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SubtotalE5: 1200000,
		DiscountE5: 100000,
		TaxE5:      50000,
		TotalE5:    1200000,
		Customer:   &marketplace.RawCustomer{Name: "Jo"},
		CartItems: []marketplace.RawCartItem{
			{ProductID: "SKU-1", QuantityE3: 2000, PriceE5: 500000, DiscountE5: 100000, TaxE5: 30000},
		},
		ServiceFees: []marketplace.RawServiceFee{
			{Code: "FEE-DELIVERY", Name: "Delivery", AmountE5: 300000, TaxE5: 20000},
		},
		Payments: []marketplace.RawPayment{
			{Method: "card", AmountE5: 1000000},
			{Method: "voucher", AmountE5: 200000},
		},
	}
}

func TestTransformBasic(t *testing.T) {
	tr := New(nil, testRules())
	o, err := tr.Transform("shopfront", rawFixture())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if o.Key.String() != "shopfront:O100" {
		t.Errorf("key: %s", o.Key)
	}
	if o.OperatingUnit != "SF-store-9" {
		t.Errorf("operating unit: %s", o.OperatingUnit)
	}
	if o.Status != model.StatusTransformed {
		t.Errorf("status: %s", o.Status)
	}
	if len(o.Lines) != 2 {
		t.Fatalf("lines: %d", len(o.Lines))
	}
	// Product line: 5.00 x 2.000 - 1.00 = 9.00
	p := o.Lines[0]
	if p.Seq != 1 || p.ServiceCharge {
		t.Errorf("product line: %+v", p)
	}
	if p.LineTotal.StringFixed(2) != "9.00" {
		t.Errorf("product line total: %s", p.LineTotal.StringFixed(2))
	}
	// Service fee line appended after, continuing the sequence.
	f := o.Lines[1]
	if f.Seq != 2 || !f.ServiceCharge || f.ProductID != "FEE-DELIVERY" {
		t.Errorf("fee line: %+v", f)
	}
	if f.LineTotal.StringFixed(2) != "3.00" {
		t.Errorf("fee line total: %s", f.LineTotal.StringFixed(2))
	}
	// Fulfillment mirror is 1:1 with identical quantity/price, type Exact.
	if len(o.Fulfillments) != len(o.Lines) {
		t.Fatalf("fulfillments: %d", len(o.Fulfillments))
	}
	for i, fl := range o.Fulfillments {
		ln := o.Lines[i]
		if fl.LineSeq != ln.Seq || !fl.Quantity.Equal(ln.Quantity) || !fl.UnitPrice.Equal(ln.UnitPrice) || fl.Type != model.FulfillmentExact {
			t.Errorf("fulfillment %d: %+v vs %+v", i, fl, ln)
		}
	}
	// Payments: 10.00 + 2.00 = total 12.00
	if len(o.Payments) != 2 || o.Total.StringFixed(2) != "12.00" {
		t.Errorf("payments/total: %+v %s", o.Payments, o.Total)
	}
}

// A kit priced below floor x (components + parent) must not expand: a 0.02
// unit with 5 components would leave the parent at -0.03.
func TestUnderfundedKitNotExpanded(t *testing.T) {
	kits := KitCatalog{
		"KIT-TINY": {ParentSKU: "KIT-TINY", ComponentSKUs: []string{"C-1", "C-2", "C-3", "C-4", "C-5"}},
	}
	raw := rawFixture()
	raw.CartItems = []marketplace.RawCartItem{
		{ProductID: "KIT-TINY", QuantityE3: 1000, PriceE5: 2000},
	}
	raw.ServiceFees = nil
	raw.SubtotalE5 = 2000
	raw.DiscountE5 = 0
	raw.TaxE5 = 0
	raw.TotalE5 = 2000
	raw.Payments = []marketplace.RawPayment{{Method: "card", AmountE5: 2000}}

	tr := New(kits, testRules())
	o, err := tr.Transform("shopfront", raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(o.Lines) != 1 {
		t.Fatalf("lines: %d, want unexpanded", len(o.Lines))
	}
	if o.Lines[0].ProductID != "KIT-TINY" || o.Lines[0].UnitPrice.StringFixed(2) != "0.02" {
		t.Fatalf("line: %+v", o.Lines[0])
	}
	if o.Lines[0].LineTotal.StringFixed(2) != "0.02" {
		t.Fatalf("line total: %s", o.Lines[0].LineTotal.StringFixed(2))
	}
}

func TestKitExpansion(t *testing.T) {
	kits := KitCatalog{
		"KIT-1": {ParentSKU: "KIT-1", ComponentSKUs: []string{"C-A", "C-B", "C-C"}},
	}
	raw := rawFixture()
	raw.CartItems = []marketplace.RawCartItem{
		{ProductID: "KIT-1", QuantityE3: 1000, PriceE5: 1000000, DiscountE5: 100000, TaxE5: 50000},
	}
	raw.ServiceFees = nil
	raw.Payments = []marketplace.RawPayment{{Method: "card", AmountE5: raw.TotalE5}}

	tr := New(kits, testRules())
	o, err := tr.Transform("shopfront", raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(o.Lines) != 4 {
		t.Fatalf("lines: %d", len(o.Lines))
	}
	// Parent anchor keeps the original product id at the original position,
	// priced at 10.00 - 3 x 0.01 = 9.97, carrying the whole 1.00 discount.
	parent := o.Lines[0]
	if parent.ProductID != "KIT-1" {
		t.Errorf("parent product: %s", parent.ProductID)
	}
	if parent.UnitPrice.StringFixed(2) != "9.97" {
		t.Errorf("parent price: %s", parent.UnitPrice.StringFixed(2))
	}
	if parent.Discount.StringFixed(2) != "1.00" {
		t.Errorf("parent discount: %s", parent.Discount.StringFixed(2))
	}
	if parent.LineTotal.StringFixed(2) != "8.97" {
		t.Errorf("parent total: %s", parent.LineTotal.StringFixed(2))
	}
	for i, sku := range []string{"C-A", "C-B", "C-C"} {
		c := o.Lines[i+1]
		if c.ProductID != sku {
			t.Errorf("component %d: %s", i, c.ProductID)
		}
		if c.UnitPrice.StringFixed(2) != "0.01" {
			t.Errorf("component price: %s", c.UnitPrice.StringFixed(2))
		}
		if !c.Discount.IsZero() {
			t.Errorf("component discount: %s", c.Discount)
		}
	}
	// Sequence numbers contiguous from the original line's position.
	for i, ln := range o.Lines {
		if ln.Seq != i+1 {
			t.Errorf("seq gap at %d: %d", i, ln.Seq)
		}
	}
}

// Line-total invariant holds for every generated and expanded line.
func TestLineTotalInvariant(t *testing.T) {
	kits := KitCatalog{
		"KIT-1": {ParentSKU: "KIT-1", ComponentSKUs: []string{"C-A", "C-B"}},
	}
	raw := rawFixture()
	raw.CartItems = append(raw.CartItems, marketplace.RawCartItem{
		ProductID: "KIT-1", QuantityE3: 3000, PriceE5: 733333, DiscountE5: 50000,
	})
	raw.TotalE5 = 1200000
	tr := New(kits, testRules())
	o, err := tr.Transform("shopfront", raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for _, ln := range o.Lines {
		want := ln.UnitPrice.Mul(ln.Quantity).Sub(ln.Discount).Round(2)
		if !ln.LineTotal.Equal(want) {
			t.Errorf("line %d (%s): total %s, want %s", ln.Seq, ln.ProductID,
				ln.LineTotal.StringFixed(2), want.StringFixed(2))
		}
	}
}

// Replaying the same fetched order yields byte-identical normalized output.
func TestTransformDeterministic(t *testing.T) {
	kits := KitCatalog{"KIT-1": {ParentSKU: "KIT-1", ComponentSKUs: []string{"C-A", "C-B"}}}
	tr := New(kits, testRules())
	a, err := tr.Transform("shopfront", rawFixture())
	if err != nil {
		t.Fatal(err)
	}
	b, err := tr.Transform("shopfront", rawFixture())
	if err != nil {
		t.Fatal(err)
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	if !bytes.Equal(ab, bb) {
		t.Fatalf("outputs differ:\n%s\n%s", ab, bb)
	}
}

func TestTransformValidation(t *testing.T) {
	tr := New(nil, testRules())

	raw := rawFixture()
	raw.CartItems = nil
	if _, err := tr.Transform("shopfront", raw); !errors.Is(err, ErrValidation) {
		t.Errorf("no cart items: %v", err)
	}

	raw = rawFixture()
	if _, err := tr.Transform("unknown-channel", raw); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown channel: %v", err)
	}

	raw = rawFixture()
	raw.Payments = []marketplace.RawPayment{{Method: "card", AmountE5: 999999}}
	if _, err := tr.Transform("shopfront", raw); !errors.Is(err, ErrValidation) {
		t.Errorf("payment mismatch: %v", err)
	}
}

func TestServiceLineNotExpanded(t *testing.T) {
	// A service fee whose code collides with a kit SKU must not expand.
	kits := KitCatalog{"FEE-DELIVERY": {ParentSKU: "FEE-DELIVERY", ComponentSKUs: []string{"X"}}}
	tr := New(kits, testRules())
	o, err := tr.Transform("shopfront", rawFixture())
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Lines) != 2 {
		t.Fatalf("lines: %d", len(o.Lines))
	}
	if !o.Lines[1].ServiceCharge || !o.Lines[1].UnitPrice.Equal(decimal.RequireFromString("3.00")) {
		t.Fatalf("fee line changed: %+v", o.Lines[1])
	}
}
