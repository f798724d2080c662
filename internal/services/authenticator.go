package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/ruralpay/echobank/internal/config"
	"github.com/ruralpay/echobank/internal/hsm"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPinFormat = errors.New("PIN must be 4 to 6 digits")
	pinPattern          = regexp.MustCompile(`^\d{4,6}$`)
)

// PinHasher is the subset of the HSM used for PIN storage
type PinHasher interface {
	HashPIN(pin string, salt []byte) (string, error)
	VerifyPIN(pin string, hashedPIN string) (bool, error)
}

type LockStatus struct {
	Locked bool
	Until  *time.Time
}

type PinResult struct {
	Verified          bool       `json:"verified"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	Locked            bool       `json:"locked"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
}

// Authenticator enforces the transfer PIN and its lockout policy. The failure
// counter lives only in the repository; callers never supply attempt numbers.
type Authenticator struct {
	repo        PinRepository
	hasher      PinHasher
	auditLogger *hsm.AuditLogger
	maxAttempts int
	lockout     time.Duration
	dailyLimit  decimal.Decimal
	now         func() time.Time
}

func NewAuthenticator(repo PinRepository, hasher PinHasher, auditLogger *hsm.AuditLogger, cfg *config.VoiceConfig) *Authenticator {
	if auditLogger == nil {
		auditLogger = hsm.NewAuditLogger()
	}
	return &Authenticator{
		repo:        repo,
		hasher:      hasher,
		auditLogger: auditLogger,
		maxAttempts: cfg.PinMaxAttempts,
		lockout:     cfg.PinLockoutDuration,
		dailyLimit:  cfg.DefaultDailyLimit,
		now:         time.Now,
	}
}

// CheckLock reports the lock state, clearing a lock whose time has passed
func (a *Authenticator) CheckLock(ctx context.Context, institutionID, account string) (LockStatus, error) {
	cred, err := a.repo.GetCredential(ctx, institutionID, account)
	if err != nil {
		return LockStatus{}, err
	}
	return a.checkLock(ctx, cred)
}

func (a *Authenticator) checkLock(ctx context.Context, cred *models.PinCredential) (LockStatus, error) {
	now := a.now()
	if cred.IsLocked(now) {
		return LockStatus{Locked: true, Until: cred.LockedUntil}, nil
	}
	if cred.LockExpired(now) {
		if err := a.repo.ResetFailures(ctx, cred.InstitutionID, cred.AccountNumber); err != nil {
			return LockStatus{}, err
		}
		log.Printf("[PIN] Lockout expired for account %s", cred.AccountNumber)
		cred.LockedUntil = nil
		cred.FailedAttempts = 0
	}
	return LockStatus{}, nil
}

// Verify checks pin without resetting the counter on success
func (a *Authenticator) Verify(ctx context.Context, institutionID, account, pin string) (*PinResult, error) {
	cred, err := a.repo.GetCredential(ctx, institutionID, account)
	if err != nil {
		return nil, err
	}
	return a.verify(ctx, cred, pin)
}

func (a *Authenticator) verify(ctx context.Context, cred *models.PinCredential, pin string) (*PinResult, error) {
	status, err := a.checkLock(ctx, cred)
	if err != nil {
		return nil, err
	}
	if status.Locked {
		a.auditLogger.LogPinEvent(cred.InstitutionID, cred.AccountNumber, "LOCKED", 0, status.Until)
		return &PinResult{Locked: true, LockedUntil: status.Until}, nil
	}

	ok, err := a.hasher.VerifyPIN(pin, cred.PinHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify PIN: %w", err)
	}
	if ok {
		return &PinResult{Verified: true, AttemptsRemaining: a.maxAttempts}, nil
	}

	updated, err := a.repo.RecordFailedAttempt(ctx, cred.InstitutionID, cred.AccountNumber, a.maxAttempts, a.lockout, a.now())
	if err != nil {
		return nil, err
	}

	result := &PinResult{AttemptsRemaining: max(a.maxAttempts-updated.FailedAttempts, 0)}
	if updated.LockedUntil != nil {
		result.Locked = true
		result.LockedUntil = updated.LockedUntil
		result.AttemptsRemaining = 0
		log.Printf("[PIN] Account %s locked until %s", cred.AccountNumber, updated.LockedUntil.Format(time.RFC3339))
		a.auditLogger.LogPinEvent(cred.InstitutionID, cred.AccountNumber, "LOCKED", 0, updated.LockedUntil)
	} else {
		a.auditLogger.LogPinEvent(cred.InstitutionID, cred.AccountNumber, "MISMATCH", result.AttemptsRemaining, nil)
	}
	return result, nil
}

func (a *Authenticator) Reset(ctx context.Context, institutionID, account string) error {
	return a.repo.ResetFailures(ctx, institutionID, account)
}

// Authorize runs check lock, verify and reset-on-success as one step
func (a *Authenticator) Authorize(ctx context.Context, institutionID, account, pin string) (*PinResult, error) {
	cred, err := a.repo.GetCredential(ctx, institutionID, account)
	if err != nil {
		return nil, err
	}

	result, err := a.verify(ctx, cred, pin)
	if err != nil || !result.Verified {
		return result, err
	}

	if cred.FailedAttempts > 0 {
		if err := a.repo.ResetFailures(ctx, institutionID, account); err != nil {
			return nil, err
		}
	}
	a.auditLogger.LogPinEvent(institutionID, account, "VERIFIED", a.maxAttempts, nil)
	return result, nil
}

// Enroll stores a new PIN for the account, replacing any previous one and
// clearing its failure state. A zero dailyLimit keeps the configured default.
func (a *Authenticator) Enroll(ctx context.Context, institutionID, account, pin string, dailyLimit decimal.Decimal) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPinFormat
	}
	if !dailyLimit.IsPositive() {
		dailyLimit = a.dailyLimit
	}

	hash, err := a.hasher.HashPIN(pin, nil)
	if err != nil {
		return fmt.Errorf("failed to hash PIN: %w", err)
	}

	err = a.repo.UpsertCredential(ctx, &models.PinCredential{
		AccountNumber: account,
		InstitutionID: institutionID,
		PinHash:       hash,
		DailyLimit:    dailyLimit,
		UpdatedAt:     a.now(),
	})
	if err != nil {
		return err
	}

	a.auditLogger.LogOperation(institutionID, account, "pin_enroll", "transfer PIN set")
	return nil
}

// DailyLimit returns the account's configured limit, or the default when no
// PIN has been enrolled yet
func (a *Authenticator) DailyLimit(ctx context.Context, institutionID, account string) (decimal.Decimal, error) {
	cred, err := a.repo.GetCredential(ctx, institutionID, account)
	if errors.Is(err, ErrPinNotSet) {
		return a.dailyLimit, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !cred.DailyLimit.IsPositive() {
		return a.dailyLimit, nil
	}
	return cred.DailyLimit, nil
}
