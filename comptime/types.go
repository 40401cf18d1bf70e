// Package comptime implements the comp-time (time off in lieu) bank.
// Overtime hours are converted into redeemable credits at an accrual ratio,
// spent oldest-first, and decay after a per-accrual TTL.
package comptime

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/generic"
)

// DefaultAccrualRatio is the comp-time earned per overtime hour when a policy
// does not say otherwise (time and a half).
var DefaultAccrualRatio = decimal.NewFromFloat(1.5)

// DefaultCapacityThreshold is the fraction of the cap at which an account is
// reported as near capacity.
var DefaultCapacityThreshold = decimal.NewFromFloat(0.9)

// =============================================================================
// ACCRUAL ENTRY
// =============================================================================

type AccrualStatus string

const (
	AccrualActive   AccrualStatus = "ACTIVE"
	AccrualExpired  AccrualStatus = "EXPIRED"
	AccrualPaidOut  AccrualStatus = "PAID_OUT"
	AccrualRedeemed AccrualStatus = "REDEEMED"
)

// AccrualEntry is one grant of comp-time. CompHoursEarned is the entry's
// REMAINING balance: redemptions and payouts decrement it, expiry zeroes it.
// OriginalHours keeps what was first credited.
type AccrualEntry struct {
	ID               string          `json:"id"`
	SourceOvertimeID string          `json:"source_overtime_id"`
	Date             time.Time       `json:"date"`
	OvertimeHours    generic.Amount  `json:"overtime_hours"`
	Ratio            decimal.Decimal `json:"ratio"`
	CompHoursEarned  generic.Amount  `json:"comp_hours_earned"`
	OriginalHours    generic.Amount  `json:"original_hours"`
	ExpiryDate       *time.Time      `json:"expiry_date,omitempty"`
	Status           AccrualStatus   `json:"status"`
}

// Consumption records how many hours a redemption or payout took from one entry.
type Consumption struct {
	AccrualID string         `json:"accrual_id"`
	Hours     generic.Amount `json:"hours"`
}

type RedemptionEntry struct {
	ID                 string         `json:"id"`
	Date               time.Time      `json:"date"`
	HoursUsed          generic.Amount `json:"hours_used"`
	Approver           string         `json:"approver"`
	SourceRef          string         `json:"source_ref,omitempty"`
	ConsumedAccrualIDs []string       `json:"consumed_accrual_ids"`
	Consumed           []Consumption  `json:"consumed"`
}

type ExpirationEntry struct {
	ID           string         `json:"id"`
	AccrualID    string         `json:"accrual_id"`
	Date         time.Time      `json:"date"`
	HoursExpired generic.Amount `json:"hours_expired"`
}

type PayoutEntry struct {
	ID                 string         `json:"id"`
	Date               time.Time      `json:"date"`
	HoursPaid          generic.Amount `json:"hours_paid"`
	Approver           string         `json:"approver"`
	Reason             string         `json:"reason,omitempty"`
	ConsumedAccrualIDs []string       `json:"consumed_accrual_ids"`
	Consumed           []Consumption  `json:"consumed"`
}

// =============================================================================
// ACCOUNT - One per (employee, policy)
// =============================================================================

// Config is the policy-derived part of an account.
type Config struct {
	AccrualRatio    decimal.Decimal
	MaxBankHours    *generic.Amount
	ExpiryDays      *int
	AllowsCarryover bool
}

// Account is the aggregate. Mutate it only through Ledger.
//
// INVARIANTS:
//   - BalanceHours == sum(ACTIVE entries' CompHoursEarned)
//   - BalanceHours >= 0
//   - MaxBankHours set => BalanceHours <= MaxBankHours after every accrual
//   - TotalAccrued == Balance + TotalRedeemed + TotalExpired + TotalPaidOut
type Account struct {
	ID         string             `json:"id"`
	EmployeeID generic.EmployeeID `json:"employee_id"`
	PolicyID   generic.PolicyID   `json:"policy_id"`

	BalanceHours       generic.Amount `json:"balance_hours"`
	TotalAccruedHours  generic.Amount `json:"total_accrued_hours"`
	TotalRedeemedHours generic.Amount `json:"total_redeemed_hours"`
	TotalExpiredHours  generic.Amount `json:"total_expired_hours"`
	TotalPaidOutHours  generic.Amount `json:"total_paid_out_hours"`

	MaxBankHours    *generic.Amount `json:"max_bank_hours,omitempty"`
	ExpiryDays      *int            `json:"expiry_days,omitempty"`
	AccrualRatio    decimal.Decimal `json:"accrual_ratio"`
	AllowsCarryover bool            `json:"allows_carryover"`
	Active          bool            `json:"active"`

	// Append-only logs, insertion ordered
	Accruals    []AccrualEntry    `json:"accruals"`
	Redemptions []RedemptionEntry `json:"redemptions"`
	Expirations []ExpirationEntry `json:"expirations"`
	Payouts     []PayoutEntry     `json:"payouts"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Compile-time check that Account is a persistable aggregate
var _ generic.Aggregate[*Account] = (*Account)(nil)

func (a *Account) AggregateID() string { return a.ID }
func (a *Account) AggregateVersion() int64 { return a.Version }
func (a *Account) SetAggregateVersion(v int64) { a.Version = v }

func (a *Account) Clone() *Account {
	c := *a
	if a.MaxBankHours != nil {
		v := *a.MaxBankHours
		c.MaxBankHours = &v
	}
	if a.ExpiryDays != nil {
		v := *a.ExpiryDays
		c.ExpiryDays = &v
	}
	if a.Accruals != nil {
		c.Accruals = make([]AccrualEntry, len(a.Accruals))
		for i, e := range a.Accruals {
			if e.ExpiryDate != nil {
				t := *e.ExpiryDate
				e.ExpiryDate = &t
			}
			c.Accruals[i] = e
		}
	}
	if a.Redemptions != nil {
		c.Redemptions = make([]RedemptionEntry, len(a.Redemptions))
		for i, r := range a.Redemptions {
			r.ConsumedAccrualIDs = append([]string(nil), r.ConsumedAccrualIDs...)
			r.Consumed = append([]Consumption(nil), r.Consumed...)
			c.Redemptions[i] = r
		}
	}
	c.Expirations = append([]ExpirationEntry(nil), a.Expirations...)
	if a.Payouts != nil {
		c.Payouts = make([]PayoutEntry, len(a.Payouts))
		for i, p := range a.Payouts {
			p.ConsumedAccrualIDs = append([]string(nil), p.ConsumedAccrualIDs...)
			p.Consumed = append([]Consumption(nil), p.Consumed...)
			c.Payouts[i] = p
		}
	}
	return &c
}

// Accrual looks up an entry by id.
func (a *Account) Accrual(id string) (*AccrualEntry, error) {
	for i := range a.Accruals {
		if a.Accruals[i].ID == id {
			return &a.Accruals[i], nil
		}
	}
	return nil, generic.NotFound("accrual", id)
}

// ActiveHours sums the remaining hours of ACTIVE entries.
func (a *Account) ActiveHours() generic.Amount {
	total := generic.ZeroHours()
	for _, e := range a.Accruals {
		if e.Status == AccrualActive {
			total = total.Add(e.CompHoursEarned)
		}
	}
	return total
}
