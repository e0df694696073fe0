package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy is a parametric-insurance contract: one premium, one strike, one
// settlement check at or after expiry. Policies are an append-only record;
// they are never deleted.
type Policy struct {
	ID                  uint64          `json:"id" db:"id"`
	PolicyHolder        Address         `json:"policy_holder" db:"policy_holder"`
	PremiumPaid         decimal.Decimal `json:"premium_paid" db:"premium_paid"`   // 6dp collateral
	PayoutAmount        decimal.Decimal `json:"payout_amount" db:"payout_amount"` // 6dp collateral
	StrikePrice         decimal.Decimal `json:"strike_price" db:"strike_price"`   // 2dp fixed point
	ExpirationTimestamp time.Time       `json:"expiration_timestamp" db:"expiration_timestamp"`
	Settled             bool            `json:"settled" db:"settled"`
	PaidOut             bool            `json:"paid_out" db:"paid_out"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	SettledAt           *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// PolicyStatus is the closed set of externally visible policy states.
type PolicyStatus string

const (
	PolicyActive          PolicyStatus = "active"
	PolicyExpiredPending  PolicyStatus = "expired-pending"
	PolicyPaidOut         PolicyStatus = "paid-out"
	PolicyExpiredNoPayout PolicyStatus = "expired-no-payout"
)

// Status derives the policy's display state from settlement flags and the
// clock. This is the single source of truth for status; nothing else may
// recompute it from raw fields.
func (p *Policy) Status(now time.Time) PolicyStatus {
	if p.Settled {
		if p.PaidOut {
			return PolicyPaidOut
		}
		return PolicyExpiredNoPayout
	}
	if now.Before(p.ExpirationTimestamp) {
		return PolicyActive
	}
	return PolicyExpiredPending
}
