package factory

import "fmt"

// =============================================================================
// JSON PRESETS - Seed documents for the policies table and demo scenarios
// =============================================================================

// StandardCompTimeJSON is a 1.5x bank with a 2x holiday ratio.
func StandardCompTimeJSON(id, name string, maxBankHours float64, expiryDays int) string {
	return fmt.Sprintf(`{
  "id": %q,
  "kind": "comp_time",
  "name": %q,
  "accrual_ratio": 1.5,
  "holiday_accrual_ratio": 2.0,
  "max_bank_hours": %g,
  "expiry_days": %d,
  "allows_carryover": true
}`, id, name, maxBankHours, expiryDays)
}

// OnCallJSON is an hourly-paid on-call template that banks call-out hours as
// comp time under compTimePolicyID.
func OnCallJSON(id, name string, hourlyRate float64, minimumHours float64, targetMinutes int, compTimePolicyID string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "kind": "on_call",
  "name": %q,
  "window_type": "ON_CALL",
  "rate_type": "HOURLY",
  "hourly_rate": %g,
  "call_out_minimum_hours": %g,
  "response_time_target_minutes": %d,
  "call_out_multiplier": 1.5,
  "compensate_as_comp_time": true,
  "comp_time_policy_id": %q
}`, id, name, hourlyRate, minimumHours, targetMinutes, compTimePolicyID)
}

// TwoLevelChainJSON is manager then director, manager auto-approves small
// requests.
func TwoLevelChainJSON(id, manager, director string, autoApproveBelowHours float64) string {
	return fmt.Sprintf(`{
  "id": %q,
  "kind": "approval_chain",
  "name": "Manager and director",
  "levels": [
    {"sequence": 1, "assignee": %q, "auto_approve_below_hours": %g},
    {"sequence": 2, "assignee": %q}
  ],
  "due_after_hours": 24,
  "escalate_after_hours": 48,
  "expire_after_hours": 168
}`, id, manager, autoApproveBelowHours, director)
}
