// Package core provides the pipeline's domain types: transactions, categories,
// money amounts and reporting periods.
package core

import "math"

// Money is a non-negative monetary amount held as integer cents.
// Cents are used for calculations to avoid floating-point precision issues;
// the float form only appears on the wire.
type Money struct {
	Cents int64
}

// MoneyFromFloat converts a wire amount (currency units) to cents with
// half-up rounding.
func MoneyFromFloat(v float64) Money {
	return Money{Cents: int64(math.Round(v * 100))}
}

// Float returns the amount in currency units for wire encoding and display.
func (m Money) Float() float64 {
	return float64(m.Cents) / 100.0
}

// Positive reports whether the amount is strictly greater than zero. The
// worker only overwrites a transaction's amount with a positive correction.
func (m Money) Positive() bool {
	return m.Cents > 0
}
