package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/echobank/internal/config"
	"github.com/ruralpay/echobank/internal/hsm"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testInstitution = "inst-1"
	testAccount     = "0123456789"
	testPin         = "1234"
)

type argonHasher struct{}

func (argonHasher) HashPIN(pin string, salt []byte) (string, error) { return hsm.HashPIN(pin, salt) }
func (argonHasher) VerifyPIN(pin, hashed string) (bool, error)      { return hsm.VerifyPIN(pin, hashed) }

func testVoiceConfig() *config.VoiceConfig {
	return &config.VoiceConfig{
		SessionTTL:         30 * time.Minute,
		PendingTransferTTL: 5 * time.Minute,
		AwaitingPinTTL:     2 * time.Minute,
		PinMaxAttempts:     3,
		PinLockoutDuration: 30 * time.Minute,
		DefaultDailyLimit:  decimal.NewFromInt(50000),
		MinConfidence:      0.05,
		StaleTransferAge:   10 * time.Minute,
		Location:           time.UTC,
	}
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAuthenticator(t *testing.T) (*Authenticator, *memPinRepo, *clock) {
	repo := newMemPinRepo()
	auth := NewAuthenticator(repo, argonHasher{}, hsm.NewAuditLogger(), testVoiceConfig())
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	auth.now = clk.now
	require.NoError(t, auth.Enroll(context.Background(), testInstitution, testAccount, testPin, decimal.Zero))
	return auth, repo, clk
}

func TestAuthenticator_LockoutAfterThreeFailures(t *testing.T) {
	auth, repo, clk := newTestAuthenticator(t)
	ctx := context.Background()

	for i, remaining := range []int{2, 1} {
		result, err := auth.Authorize(ctx, testInstitution, testAccount, "9999")
		require.NoError(t, err)
		assert.False(t, result.Verified)
		assert.False(t, result.Locked, "attempt %d", i+1)
		assert.Equal(t, remaining, result.AttemptsRemaining)
		clk.advance(time.Second)
	}

	thirdFailure := clk.now()
	result, err := auth.Authorize(ctx, testInstitution, testAccount, "9999")
	require.NoError(t, err)
	assert.True(t, result.Locked)
	require.NotNil(t, result.LockedUntil)
	assert.Equal(t, thirdFailure.Add(30*time.Minute), *result.LockedUntil)
	assert.Equal(t, 3, repo.failures(testInstitution, testAccount))

	// Even the correct PIN is refused for the whole lockout window.
	clk.t = thirdFailure.Add(30 * time.Minute)
	result, err = auth.Authorize(ctx, testInstitution, testAccount, testPin)
	require.NoError(t, err)
	assert.True(t, result.Locked)
	assert.False(t, result.Verified)

	status, err := auth.CheckLock(ctx, testInstitution, testAccount)
	require.NoError(t, err)
	assert.True(t, status.Locked)

	clk.advance(time.Second)
	status, err = auth.CheckLock(ctx, testInstitution, testAccount)
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Equal(t, 0, repo.failures(testInstitution, testAccount))

	result, err = auth.Authorize(ctx, testInstitution, testAccount, testPin)
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestAuthenticator_SuccessResetsCounter(t *testing.T) {
	auth, repo, _ := newTestAuthenticator(t)
	ctx := context.Background()

	for range 2 {
		result, err := auth.Authorize(ctx, testInstitution, testAccount, "0000")
		require.NoError(t, err)
		require.False(t, result.Verified)
	}
	assert.Equal(t, 2, repo.failures(testInstitution, testAccount))

	result, err := auth.Authorize(ctx, testInstitution, testAccount, testPin)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 0, repo.failures(testInstitution, testAccount))

	// A fresh run of failures starts from zero again.
	result, err = auth.Authorize(ctx, testInstitution, testAccount, "0000")
	require.NoError(t, err)
	assert.Equal(t, 2, result.AttemptsRemaining)
}

func TestAuthenticator_VerifyDoesNotReset(t *testing.T) {
	auth, repo, _ := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := auth.Verify(ctx, testInstitution, testAccount, "0000")
	require.NoError(t, err)

	result, err := auth.Verify(ctx, testInstitution, testAccount, testPin)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 1, repo.failures(testInstitution, testAccount))

	require.NoError(t, auth.Reset(ctx, testInstitution, testAccount))
	assert.Equal(t, 0, repo.failures(testInstitution, testAccount))
}

func TestAuthenticator_LockedSkipsHashComparison(t *testing.T) {
	repo := newMemPinRepo()
	until := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertCredential(context.Background(), &models.PinCredential{
		AccountNumber: testAccount,
		InstitutionID: testInstitution,
		PinHash:       "irrelevant",
	}))
	repo.creds[pinKey(testInstitution, testAccount)].LockedUntil = &until

	hasher := new(MockPinHasher)
	auth := NewAuthenticator(repo, hasher, nil, testVoiceConfig())
	auth.now = func() time.Time { return until.Add(-time.Minute) }

	result, err := auth.Authorize(context.Background(), testInstitution, testAccount, testPin)
	require.NoError(t, err)
	assert.True(t, result.Locked)
	hasher.AssertNotCalled(t, "VerifyPIN", mock.Anything, mock.Anything)
}

func TestAuthenticator_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no PIN enrolled", func(t *testing.T) {
		auth := NewAuthenticator(newMemPinRepo(), argonHasher{}, nil, testVoiceConfig())
		_, err := auth.Authorize(ctx, testInstitution, testAccount, testPin)
		assert.ErrorIs(t, err, ErrPinNotSet)
	})

	t.Run("storage failure is returned", func(t *testing.T) {
		repo := newMemPinRepo()
		repo.err = errors.New("connection refused")
		auth := NewAuthenticator(repo, argonHasher{}, nil, testVoiceConfig())
		_, err := auth.Authorize(ctx, testInstitution, testAccount, testPin)
		assert.EqualError(t, err, "connection refused")
	})

	t.Run("enroll rejects malformed PIN", func(t *testing.T) {
		auth := NewAuthenticator(newMemPinRepo(), argonHasher{}, nil, testVoiceConfig())
		assert.ErrorIs(t, auth.Enroll(ctx, testInstitution, testAccount, "12a4", decimal.Zero), ErrInvalidPinFormat)
		assert.ErrorIs(t, auth.Enroll(ctx, testInstitution, testAccount, "123", decimal.Zero), ErrInvalidPinFormat)
	})

	t.Run("enroll hash failure", func(t *testing.T) {
		hasher := new(MockPinHasher)
		hasher.On("HashPIN", "1234", []byte(nil)).Return("", errors.New("entropy exhausted"))
		auth := NewAuthenticator(newMemPinRepo(), hasher, nil, testVoiceConfig())
		err := auth.Enroll(ctx, testInstitution, testAccount, "1234", decimal.Zero)
		assert.ErrorContains(t, err, "failed to hash PIN")
		hasher.AssertExpectations(t)
	})
}

func TestAuthenticator_DailyLimit(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthenticator(newMemPinRepo(), argonHasher{}, nil, testVoiceConfig())

	limit, err := auth.DailyLimit(ctx, testInstitution, testAccount)
	require.NoError(t, err)
	assert.True(t, limit.Equal(decimal.NewFromInt(50000)), "default applies before enrollment")

	require.NoError(t, auth.Enroll(ctx, testInstitution, testAccount, "123456", decimal.NewFromInt(20000)))
	limit, err = auth.DailyLimit(ctx, testInstitution, testAccount)
	require.NoError(t, err)
	assert.True(t, limit.Equal(decimal.NewFromInt(20000)))
}

func TestPostgresPinRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresPinRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("get credential", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_number, institution_id, pin_hash, failed_attempts, locked_until, daily_limit, updated_at FROM pin_credentials").
			WithArgs(testInstitution, testAccount).
			WillReturnRows(sqlmock.NewRows([]string{"account_number", "institution_id", "pin_hash", "failed_attempts", "locked_until", "daily_limit", "updated_at"}).
				AddRow(testAccount, testInstitution, "hash", 1, nil, "50000.00", now))

		cred, err := repo.GetCredential(ctx, testInstitution, testAccount)
		require.NoError(t, err)
		assert.Equal(t, 1, cred.FailedAttempts)
		assert.Nil(t, cred.LockedUntil)
		assert.True(t, cred.DailyLimit.Equal(decimal.NewFromInt(50000)))
	})

	t.Run("missing credential", func(t *testing.T) {
		mock.ExpectQuery("FROM pin_credentials").
			WithArgs(testInstitution, "999").
			WillReturnRows(sqlmock.NewRows([]string{"account_number"}))

		_, err := repo.GetCredential(ctx, testInstitution, "999")
		assert.ErrorIs(t, err, ErrPinNotSet)
	})

	t.Run("record failed attempt passes lockout seconds", func(t *testing.T) {
		until := now.Add(30 * time.Minute)
		mock.ExpectQuery("UPDATE pin_credentials SET failed_attempts = CASE").
			WithArgs(testInstitution, testAccount, 3, int64(1800), now).
			WillReturnRows(sqlmock.NewRows([]string{"account_number", "institution_id", "failed_attempts", "locked_until"}).
				AddRow(testAccount, testInstitution, 3, until))

		cred, err := repo.RecordFailedAttempt(ctx, testInstitution, testAccount, 3, 30*time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, 3, cred.FailedAttempts)
		require.NotNil(t, cred.LockedUntil)
		assert.Equal(t, until, *cred.LockedUntil)
	})

	t.Run("reset failures", func(t *testing.T) {
		mock.ExpectExec("UPDATE pin_credentials SET failed_attempts = 0, locked_until = NULL").
			WithArgs(testInstitution, testAccount).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.ResetFailures(ctx, testInstitution, testAccount))
	})

	t.Run("upsert credential", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO pin_credentials").
			WithArgs(testAccount, testInstitution, "hash", "20000.00", now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.UpsertCredential(ctx, &models.PinCredential{
			AccountNumber: testAccount,
			InstitutionID: testInstitution,
			PinHash:       "hash",
			DailyLimit:    decimal.NewFromInt(20000),
			UpdatedAt:     now,
		})
		assert.NoError(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
