package payment

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// amountEpsilon is the tolerance when comparing a claimed total with the
// canonical price.
var amountEpsilon = decimal.RequireFromString("0.005")

// Currencies per rail.
const (
	CurrencyUSD   = "USD"
	CurrencyStars = "XTR"
)

// Pricing is the canonical price function shared by invoice creation and
// payment validation.
type Pricing struct {
	PricePerUnit decimal.Decimal // Rail A price per entitlement unit
	StarsPerUnit int64           // Rail B stars per entitlement unit
	MaxUnits     int64           // Largest purchasable count per transaction
}

// DefaultPricing returns one cent or one star per unit, at most 1000 units.
func DefaultPricing() Pricing {
	return Pricing{
		PricePerUnit: decimal.RequireFromString("0.01"),
		StarsPerUnit: 1,
		MaxUnits:     1000,
	}
}

// Currency returns the currency a rail is priced in.
func (p Pricing) Currency(rail Rail) string {
	if rail == RailB {
		return CurrencyStars
	}
	return CurrencyUSD
}

// Expected returns the canonical total for count units on rail.
func (p Pricing) Expected(rail Rail, count int64) decimal.Decimal {
	if rail == RailB {
		return decimal.NewFromInt(count * p.StarsPerUnit)
	}
	return p.PricePerUnit.Mul(decimal.NewFromInt(count)).Round(2)
}

// Format renders a total the way the rail quotes it.
func (p Pricing) Format(rail Rail, total decimal.Decimal) string {
	if rail == RailB {
		return total.StringFixed(0)
	}
	return total.StringFixed(2)
}

// Matches reports whether claimed equals the canonical total within epsilon.
func (p Pricing) Matches(rail Rail, count int64, claimed string) (decimal.Decimal, bool, error) {
	expected := p.Expected(rail, count)
	got, err := decimal.NewFromString(claimed)
	if err != nil {
		return expected, false, fmt.Errorf("claimed total %q is not a number: %w", claimed, err)
	}
	return expected, got.Sub(expected).Abs().LessThanOrEqual(amountEpsilon), nil
}

func decimalString(n int64) string {
	return decimal.NewFromInt(n).String()
}
