/*
Package generic provides the shared primitives of the overtime engine.

PURPOSE:
  This package holds the domain-agnostic building blocks used by the
  comp-time ledger, the on-call tracker and the approval workflow. None of
  the three components depend on each other; they all depend on this package
  for amounts, identifiers, time, errors, events and persistence contracts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 7.5 hours, 42 minutes, 180 money)
  - Identifiers: Type-safe employee/policy identifiers
  - Aggregate: The versioned unit of persistence (account, window, request)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so 0.1h + 0.2h == 0.3h
  2. Type Safety: Strong typing for IDs prevents mixing employee/policy IDs
  3. Explicit Time: Nothing in the engine reads the wall clock; "now" is passed in

USAGE:
  earned := generic.Hours(10).Mul(decimal.NewFromFloat(1.5)) // 15h
  if earned.GreaterThan(limit) { ... }

SEE ALSO:
  - errors.go: Error kinds shared by every component
  - store.go: Versioned repository contract
  - events.go: Notification sink contract
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

type Unit string

const (
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
	UnitMoney   Unit = "money" // resolved pay, currency is the resolver's concern
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

// Hours is shorthand for NewAmount(value, UnitHours).
func Hours(value float64) Amount {
	return NewAmount(value, UnitHours)
}

// ZeroHours returns 0h.
func ZeroHours() Amount {
	return Amount{Value: decimal.Zero, Unit: UnitHours}
}

// Money wraps a resolved monetary value.
func Money(value decimal.Decimal) Amount {
	return Amount{Value: value, Unit: UnitMoney}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.unit()} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.unit()} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.unit()} }
func (a Amount) Div(s decimal.Decimal) Amount { return Amount{Value: a.Value.Div(s), Unit: a.unit()} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.unit()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	return a.Value.GreaterThanOrEqual(b.Value)
}

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Float64 is for presentation only (DTOs, logs). Never do arithmetic on it.
func (a Amount) Float64() float64 {
	f, _ := a.Value.Float64()
	return f
}

func (a Amount) String() string {
	return a.Value.String() + " " + string(a.Unit)
}

// A zero-value Amount has no unit; treat it as hours so sums starting from
// Amount{} stay in the ledger's unit.
func (a Amount) unit() Unit {
	if a.Unit == "" {
		return UnitHours
	}
	return a.Unit
}

// SumHours adds a list of hour amounts.
func SumHours(amounts ...Amount) Amount {
	total := ZeroHours()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type PolicyID string

// =============================================================================
// AGGREGATE - Unit of persistence and serialization
// =============================================================================

// Aggregate is implemented by every independently owned, versioned record the
// engine mutates: comp-time accounts, on-call windows and approval requests.
//
// Version is the optimistic-concurrency token. A repository Save succeeds only
// when the stored version still equals the version the caller loaded.
type Aggregate[T any] interface {
	AggregateID() string
	AggregateVersion() int64
	SetAggregateVersion(v int64)

	// Clone returns a deep copy so repositories never hand out aliases of
	// their internal state.
	Clone() T
}
