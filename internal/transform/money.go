package transform

import "github.com/shopspring/decimal"

// The channel API ships money as integers scaled by 100,000 (E5) and
// quantities scaled by 1,000 (E3). Money is normalized to 2 decimals,
// rounding half-up; quantities to 3 decimals, exact.

var (
	e5 = decimal.NewFromInt(100000)
	e3 = decimal.NewFromInt(1000)

	// minUnitPrice is the floor price assigned to kit component lines so the
	// retained parent line never goes negative. One smallest currency unit.
	minUnitPrice = decimal.RequireFromString("0.01")
)

// MoneyFromE5 converts an E5 integer amount to 2-decimal currency.
// 1,250,000 -> 12.50; 50,000 -> 0.50; 1 -> 0.00.
func MoneyFromE5(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(e5).Round(2)
}

// QuantityFromE3 converts an E3 integer quantity to 3 decimals.
func QuantityFromE3(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(e3).Round(3)
}

// lineTotal computes unit price x quantity - discount, rounded to 2 decimals.
// Every generated line, expanded or not, satisfies this.
func lineTotal(unitPrice, quantity, discount decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(quantity).Sub(discount).Round(2)
}
