/*
policies.go - Pre-built comp-time bank configurations

PURPOSE:
  Ready-to-use bank configurations for common overtime arrangements. They are
  starting points; factory/policy.go builds the same thing from JSON.

AVAILABLE POLICIES:
  StandardPolicy:     time and a half, 80h cap, expires after 180 days
  PublicSectorPolicy: time and a half, 240h cap (FLSA public-agency limit), no expiry
  UseItOrLosePolicy:  straight time, 40h cap, 90 days, paid out at period end

SEE ALSO:
  - factory/policy.go: JSON-based policy creation (adds holiday/weekend ratios)
*/
package comptime

import (
	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/generic"
)

// PolicyConfig names a bank configuration.
type PolicyConfig struct {
	ID     generic.PolicyID
	Name   string
	Config Config
}

// StandardPolicy: 1.5x, capped at maxBank hours, entries expire after expiryDays.
func StandardPolicy(id generic.PolicyID, maxBank float64, expiryDays int) PolicyConfig {
	limit := generic.Hours(maxBank)
	return PolicyConfig{
		ID:   id,
		Name: "Standard Comp Time",
		Config: Config{
			AccrualRatio:    DefaultAccrualRatio,
			MaxBankHours:    &limit,
			ExpiryDays:      &expiryDays,
			AllowsCarryover: true,
		},
	}
}

// PublicSectorPolicy banks up to 240h with no expiry.
func PublicSectorPolicy(id generic.PolicyID) PolicyConfig {
	limit := generic.Hours(240)
	return PolicyConfig{
		ID:   id,
		Name: "Public Sector Comp Time",
		Config: Config{
			AccrualRatio:    DefaultAccrualRatio,
			MaxBankHours:    &limit,
			AllowsCarryover: true,
		},
	}
}

// UseItOrLosePolicy earns hour for hour and settles the balance as pay at
// period end.
func UseItOrLosePolicy(id generic.PolicyID) PolicyConfig {
	limit := generic.Hours(40)
	days := 90
	return PolicyConfig{
		ID:   id,
		Name: "Use It Or Lose It",
		Config: Config{
			AccrualRatio: decimal.NewFromInt(1),
			MaxBankHours: &limit,
			ExpiryDays:   &days,
		},
	}
}
