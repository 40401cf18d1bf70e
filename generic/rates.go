package generic

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE RESOLUTION - Consumed, never implemented by the engine proper
// =============================================================================

// RateQuery asks what a number of hours is worth for an employee.
type RateQuery struct {
	EmployeeID EmployeeID
	Hours      Amount
	Multiplier decimal.Decimal
}

// RateResolver turns hours into money. Payroll owns the real implementation;
// the engine only stores what it returns.
type RateResolver interface {
	// Resolve returns Hours × Multiplier × the employee's rate.
	Resolve(ctx context.Context, q RateQuery) (Amount, error)

	// BaseHourlyRate returns the employee's base rate (for percentage-of-base
	// standby pay).
	BaseHourlyRate(ctx context.Context, employeeID EmployeeID) (decimal.Decimal, error)
}

// StaticRateResolver resolves from a fixed table of base hourly rates.
type StaticRateResolver struct {
	mu    sync.RWMutex
	rates map[EmployeeID]decimal.Decimal
}

func NewStaticRateResolver(rates map[EmployeeID]decimal.Decimal) *StaticRateResolver {
	r := &StaticRateResolver{rates: make(map[EmployeeID]decimal.Decimal, len(rates))}
	for k, v := range rates {
		r.rates[k] = v
	}
	return r
}

func (r *StaticRateResolver) SetRate(employeeID EmployeeID, rate decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[employeeID] = rate
}

func (r *StaticRateResolver) BaseHourlyRate(_ context.Context, employeeID EmployeeID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.rates[employeeID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no base rate for employee %s: %w", employeeID, ErrNotFound)
	}
	return rate, nil
}

func (r *StaticRateResolver) Resolve(ctx context.Context, q RateQuery) (Amount, error) {
	rate, err := r.BaseHourlyRate(ctx, q.EmployeeID)
	if err != nil {
		return Amount{}, err
	}
	multiplier := q.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	return Money(q.Hours.Value.Mul(multiplier).Mul(rate).Round(2)), nil
}
