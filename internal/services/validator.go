package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DailyUsage reports how much an account has already sent
type DailyUsage interface {
	SumCompletedSince(ctx context.Context, institutionID, account string, since time.Time) (decimal.Decimal, error)
}

type ValidationInput struct {
	InstitutionID string
	Account       string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	DailyLimit    decimal.Decimal
}

type ValidationResult struct {
	Valid          bool            `json:"valid"`
	BalanceOK      bool            `json:"balance_ok"`
	LimitOK        bool            `json:"limit_ok"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	DailyUsed      decimal.Decimal `json:"daily_used"`
	DailyRemaining decimal.Decimal `json:"daily_remaining"`
}

// Shortfall is how much more balance the transfer would need
func (r *ValidationResult) Shortfall(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(amount.Sub(r.CurrentBalance), decimal.Zero)
}

// TransferValidator checks balance and the rolling daily limit
type TransferValidator struct {
	usage    DailyUsage
	location *time.Location
	now      func() time.Time
}

func NewTransferValidator(usage DailyUsage, location *time.Location) *TransferValidator {
	if location == nil {
		location = time.Local
	}
	return &TransferValidator{usage: usage, location: location, now: time.Now}
}

func (v *TransferValidator) Validate(ctx context.Context, in ValidationInput) (*ValidationResult, error) {
	used, err := v.usage.SumCompletedSince(ctx, in.InstitutionID, in.Account, v.startOfDay())
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		BalanceOK:      in.Amount.LessThanOrEqual(in.Balance),
		LimitOK:        used.Add(in.Amount).LessThanOrEqual(in.DailyLimit),
		CurrentBalance: in.Balance,
		DailyUsed:      used,
		DailyRemaining: decimal.Max(in.DailyLimit.Sub(used), decimal.Zero),
	}
	result.Valid = result.BalanceOK && result.LimitOK
	return result, nil
}

func (v *TransferValidator) startOfDay() time.Time {
	now := v.now().In(v.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, v.location)
}
