package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PinCredential holds the transfer PIN and its failure state for one account
type PinCredential struct {
	AccountNumber  string          `json:"account_number" db:"account_number"`
	InstitutionID  string          `json:"institution_id" db:"institution_id"`
	PinHash        string          `json:"-" db:"pin_hash"`
	FailedAttempts int             `json:"failed_attempts" db:"failed_attempts"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty" db:"locked_until"`
	DailyLimit     decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsLocked reports whether the credential is locked at now. The lock holds
// up to and including LockedUntil.
func (c *PinCredential) IsLocked(now time.Time) bool {
	return c.LockedUntil != nil && !now.After(*c.LockedUntil)
}

// LockExpired reports a lock that is still recorded but no longer applies
func (c *PinCredential) LockExpired(now time.Time) bool {
	return c.LockedUntil != nil && now.After(*c.LockedUntil)
}
