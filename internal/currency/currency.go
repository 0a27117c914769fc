// Package currency converts between decimal amounts and integer minor
// units. All arithmetic elsewhere in the system is done on int64 minor
// units; decimals only appear at the edges (gateway payloads, admin input,
// formatted output).
package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency describes one ISO 4217 currency.
type Currency struct {
	Code   string
	Symbol string
	// Exponent is the number of minor-unit digits (2 for USD, 0 for JPY).
	Exponent int32
}

var registry = map[string]Currency{
	"USD": {Code: "USD", Symbol: "$", Exponent: 2},
	"EUR": {Code: "EUR", Symbol: "€", Exponent: 2},
	"GBP": {Code: "GBP", Symbol: "£", Exponent: 2},
	"CAD": {Code: "CAD", Symbol: "$", Exponent: 2},
	"AUD": {Code: "AUD", Symbol: "$", Exponent: 2},
	"JPY": {Code: "JPY", Symbol: "¥", Exponent: 0},
	"KWD": {Code: "KWD", Symbol: "KD", Exponent: 3},
	"BHD": {Code: "BHD", Symbol: "BD", Exponent: 3},
}

// Get looks up a currency by its ISO code.
func Get(code string) (Currency, error) {
	c, ok := registry[strings.ToUpper(code)]
	if !ok {
		return Currency{}, fmt.Errorf("unknown currency: %s", code)
	}
	return c, nil
}

// ToMinor parses a decimal string into minor units. Amounts with more
// precision than the currency carries are rejected rather than rounded.
func (c Currency) ToMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return c.MinorFromDecimal(d)
}

// MinorFromDecimal converts a decimal amount into minor units.
func (c Currency) MinorFromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(c.Exponent)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-minor precision for %s", d.String(), c.Code)
	}
	return shifted.IntPart(), nil
}

// FromMinor converts minor units back into a decimal amount.
func (c Currency) FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -c.Exponent)
}

// Format renders minor units as a decimal string with the currency's full
// precision, e.g. Format(1250) == "12.50" for USD.
func (c Currency) Format(v int64) string {
	return c.FromMinor(v).StringFixed(c.Exponent)
}
