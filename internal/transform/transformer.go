// Package transform maps fetched channel order data into the normalized
// model: currency conversion, line synthesis, kit expansion, fulfillment
// mirroring and channel attribution. Transform is a pure function of its
// inputs; the same raw order always yields byte-identical output.
package transform

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"orderbridge/internal/marketplace"
	"orderbridge/internal/model"
)

// ErrValidation marks a raw order that can never transform cleanly: missing
// required fields, unknown channel, payments that do not reconcile.
var ErrValidation = errors.New("validation error")

type Transformer struct {
	kits  KitCatalog
	rules ChannelRules
}

func New(kits KitCatalog, rules ChannelRules) *Transformer {
	if kits == nil {
		kits = KitCatalog{}
	}
	return &Transformer{kits: kits, rules: rules}
}

// Transform normalizes one fetched order. The result carries status
// Transformed; persisting it is the caller's separately retried step.
func (t *Transformer) Transform(channel string, raw *marketplace.RawOrder) (*model.Order, error) {
	if raw == nil || raw.ID == "" || raw.StoreID == "" {
		return nil, fmt.Errorf("%w: order id and store id are required", ErrValidation)
	}
	if len(raw.CartItems) == 0 {
		return nil, fmt.Errorf("%w: order %s has no cart items", ErrValidation, raw.ID)
	}
	prefix, ok := t.rules[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no attribution rule for channel %q", ErrValidation, channel)
	}

	o := &model.Order{
		Key:           model.OrderKey{Channel: channel, SourceID: raw.ID},
		StoreID:       raw.StoreID,
		OperatingUnit: prefix + raw.StoreID,
		Status:        model.StatusTransformed,
		ChannelStatus: raw.State,
		Currency:      raw.Currency,
		Subtotal:      MoneyFromE5(raw.SubtotalE5),
		Discount:      MoneyFromE5(raw.DiscountE5),
		Tax:           MoneyFromE5(raw.TaxE5),
		Total:         MoneyFromE5(raw.TotalE5),
		PlacedAt:      raw.PlacedAt.UTC(),
		UpdatedAt:     raw.UpdatedAt.UTC(),
	}
	if raw.Customer != nil {
		o.CustomerName = optional(raw.Customer.Name)
		o.CustomerPhone = optional(raw.Customer.Phone)
	}
	if raw.Delivery != nil {
		o.AddressLine = optional(raw.Delivery.AddressLine)
		o.AddressCity = optional(raw.Delivery.City)
		o.AddressRegion = optional(raw.Delivery.Region)
		o.PostalCode = optional(raw.Delivery.PostalCode)
	}

	lines := t.synthesizeLines(raw)
	lines = t.expandKits(lines)
	resequence(lines)
	o.Lines = lines
	o.Fulfillments = mirrorFulfillment(lines)

	payments, err := convertPayments(raw, o.Total)
	if err != nil {
		return nil, err
	}
	o.Payments = payments

	o.Attributes = map[string]string{
		"source_store": raw.StoreID,
		"source_state": raw.State,
	}
	return o, nil
}

// synthesizeLines builds one line per cart item, then one service-charge line
// per service fee, appended after the product lines.
func (t *Transformer) synthesizeLines(raw *marketplace.RawOrder) []model.OrderLine {
	lines := make([]model.OrderLine, 0, len(raw.CartItems)+len(raw.ServiceFees))
	for _, it := range raw.CartItems {
		qty := QuantityFromE3(it.QuantityE3)
		price := MoneyFromE5(it.PriceE5)
		disc := MoneyFromE5(it.DiscountE5)
		lines = append(lines, model.OrderLine{
			ProductID:   it.ProductID,
			Description: it.Name,
			Quantity:    qty,
			UnitPrice:   price,
			Discount:    disc,
			Tax:         MoneyFromE5(it.TaxE5),
			LineTotal:   lineTotal(price, qty, disc),
		})
	}
	one := decimal.RequireFromString("1.000")
	for _, fee := range raw.ServiceFees {
		amount := MoneyFromE5(fee.AmountE5)
		lines = append(lines, model.OrderLine{
			ProductID:     fee.Code,
			Description:   fee.Name,
			Quantity:      one,
			UnitPrice:     amount,
			Discount:      decimal.Zero.Round(2),
			Tax:           MoneyFromE5(fee.TaxE5),
			LineTotal:     lineTotal(amount, one, decimal.Zero),
			ServiceCharge: true,
		})
	}
	return lines
}

// expandKits replaces each line whose product matches a kit definition with
// the retained parent line followed by one line per component. Components get
// the floor unit price; the parent keeps the residual price, the whole
// original discount and the original tax, so order totals still reconcile.
func (t *Transformer) expandKits(lines []model.OrderLine) []model.OrderLine {
	out := make([]model.OrderLine, 0, len(lines))
	for _, ln := range lines {
		kit, ok := t.kits[ln.ProductID]
		if !ok || ln.ServiceCharge {
			out = append(out, ln)
			continue
		}
		n := int64(len(kit.ComponentSKUs))
		residual := ln.UnitPrice.Sub(minUnitPrice.Mul(decimal.NewFromInt(n))).Round(2)
		// A unit price too small to fund the components would leave the
		// parent below the floor price; keep such a line unexpanded.
		if residual.LessThan(minUnitPrice) {
			out = append(out, ln)
			continue
		}

		parent := ln
		parent.UnitPrice = residual
		parent.LineTotal = lineTotal(residual, ln.Quantity, ln.Discount)
		out = append(out, parent)

		for _, sku := range kit.ComponentSKUs {
			out = append(out, model.OrderLine{
				ProductID: sku,
				Quantity:  ln.Quantity,
				UnitPrice: minUnitPrice,
				Discount:  decimal.Zero.Round(2),
				Tax:       decimal.Zero.Round(2),
				LineTotal: lineTotal(minUnitPrice, ln.Quantity, decimal.Zero),
			})
		}
	}
	return out
}

// resequence renumbers lines 1..n so expansion leaves no gaps or duplicates.
func resequence(lines []model.OrderLine) {
	for i := range lines {
		lines[i].Seq = i + 1
	}
}

// mirrorFulfillment derives the 1:1 fulfillment mirror: orders arrive already
// fulfilled, so supplied quantity and price equal the ordered values.
func mirrorFulfillment(lines []model.OrderLine) []model.FulfillmentLine {
	out := make([]model.FulfillmentLine, 0, len(lines))
	for _, ln := range lines {
		out = append(out, model.FulfillmentLine{
			LineSeq:   ln.Seq,
			ProductID: ln.ProductID,
			Quantity:  ln.Quantity,
			UnitPrice: ln.UnitPrice,
			Type:      model.FulfillmentExact,
		})
	}
	return out
}

func convertPayments(raw *marketplace.RawOrder, total decimal.Decimal) ([]model.OrderPayment, error) {
	if len(raw.Payments) == 0 {
		return nil, fmt.Errorf("%w: order %s has no payments", ErrValidation, raw.ID)
	}
	out := make([]model.OrderPayment, 0, len(raw.Payments))
	sum := decimal.Zero
	for _, p := range raw.Payments {
		amount := MoneyFromE5(p.AmountE5)
		sum = sum.Add(amount)
		out = append(out, model.OrderPayment{Method: p.Method, Amount: amount})
	}
	if !sum.Equal(total) {
		return nil, fmt.Errorf("%w: order %s payments sum %s != total %s",
			ErrValidation, raw.ID, sum.StringFixed(2), total.StringFixed(2))
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
