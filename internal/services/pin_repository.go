package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

var ErrPinNotSet = errors.New("transfer PIN not set")

// PinRepository persists PIN credentials and their failure counters
type PinRepository interface {
	GetCredential(ctx context.Context, institutionID, account string) (*models.PinCredential, error)
	RecordFailedAttempt(ctx context.Context, institutionID, account string, maxAttempts int, lockout time.Duration, now time.Time) (*models.PinCredential, error)
	ResetFailures(ctx context.Context, institutionID, account string) error
	UpsertCredential(ctx context.Context, cred *models.PinCredential) error
}

type PostgresPinRepository struct {
	db *sql.DB
}

func NewPostgresPinRepository(db *sql.DB) *PostgresPinRepository {
	return &PostgresPinRepository{db: db}
}

func (r *PostgresPinRepository) GetCredential(ctx context.Context, institutionID, account string) (*models.PinCredential, error) {
	var cred models.PinCredential
	var lockedUntil sql.NullTime
	var dailyLimit string

	err := r.db.QueryRowContext(ctx, `
		SELECT account_number, institution_id, pin_hash, failed_attempts, locked_until, daily_limit, updated_at
		FROM pin_credentials
		WHERE institution_id = $1 AND account_number = $2`,
		institutionID, account).Scan(
		&cred.AccountNumber, &cred.InstitutionID, &cred.PinHash,
		&cred.FailedAttempts, &lockedUntil, &dailyLimit, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPinNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load PIN credential: %w", err)
	}

	if lockedUntil.Valid {
		cred.LockedUntil = &lockedUntil.Time
	}
	cred.DailyLimit, err = decimal.NewFromString(dailyLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid daily limit for %s: %w", account, err)
	}
	return &cred, nil
}

// RecordFailedAttempt increments the server-side counter in one statement and
// sets the lockout when the counter reaches maxAttempts. An expired lock
// restarts the count at one.
func (r *PostgresPinRepository) RecordFailedAttempt(ctx context.Context, institutionID, account string, maxAttempts int, lockout time.Duration, now time.Time) (*models.PinCredential, error) {
	var cred models.PinCredential
	var lockedUntil sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		UPDATE pin_credentials
		SET
			failed_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until < $5 THEN 1
				ELSE failed_attempts + 1
			END,
			locked_until = CASE
				WHEN (
					CASE
						WHEN locked_until IS NOT NULL AND locked_until < $5 THEN 1
						ELSE failed_attempts + 1
					END
				) >= $3 THEN $5::timestamptz + ($4 * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = $5
		WHERE institution_id = $1 AND account_number = $2
		RETURNING account_number, institution_id, failed_attempts, locked_until`,
		institutionID, account, maxAttempts, int64(lockout/time.Second), now).Scan(
		&cred.AccountNumber, &cred.InstitutionID, &cred.FailedAttempts, &lockedUntil,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPinNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record PIN failure: %w", err)
	}

	if lockedUntil.Valid {
		cred.LockedUntil = &lockedUntil.Time
	}
	cred.UpdatedAt = now
	return &cred, nil
}

func (r *PostgresPinRepository) ResetFailures(ctx context.Context, institutionID, account string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pin_credentials
		SET failed_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE institution_id = $1 AND account_number = $2`,
		institutionID, account)
	if err != nil {
		return fmt.Errorf("failed to reset PIN failures: %w", err)
	}
	return nil
}

func (r *PostgresPinRepository) UpsertCredential(ctx context.Context, cred *models.PinCredential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pin_credentials (account_number, institution_id, pin_hash, failed_attempts, locked_until, daily_limit, updated_at)
		VALUES ($1, $2, $3, 0, NULL, $4, $5)
		ON CONFLICT (institution_id, account_number)
		DO UPDATE SET pin_hash = EXCLUDED.pin_hash, failed_attempts = 0, locked_until = NULL,
			daily_limit = EXCLUDED.daily_limit, updated_at = EXCLUDED.updated_at`,
		cred.AccountNumber, cred.InstitutionID, cred.PinHash, cred.DailyLimit.StringFixed(2), cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store PIN credential: %w", err)
	}
	return nil
}
