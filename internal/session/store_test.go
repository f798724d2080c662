package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func sampleSession(id string) *Session {
	amount := decimal.NewFromInt(5000)
	s := New(id, "0123456789", "inst-1", time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	s.State = StateAwaitingRecipientSelection
	s.PendingAmount = &amount
	s.Candidates = []models.Recipient{
		{Name: "John Okafor", AccountNumber: "1111111111", BankCode: "058"},
		{Name: "John Adeyemi", AccountNumber: "2222222222", BankCode: "044"},
	}
	return s
}

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock, advance := fixedClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	store.now = clock

	require.NoError(t, store.Set(ctx, "s1", sampleSession("s1"), 5*time.Minute))

	t.Run("returns stored session", func(t *testing.T) {
		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingRecipientSelection, got.State)
		assert.Len(t, got.Candidates, 2)
		assert.Equal(t, "5000", got.PendingAmount.String())
		assert.Equal(t, clock().Add(5*time.Minute), got.ExpiresAt)
	})

	t.Run("repeated reads are identical", func(t *testing.T) {
		first, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		second, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, first, second)

		first.Candidates[0].Name = "mutated"
		third, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "John Okafor", third.Candidates[0].Name)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("expired entries are invisible and purged", func(t *testing.T) {
		advance(5 * time.Minute)
		_, err := store.Get(ctx, "s1")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		assert.Error(t, store.Set(ctx, "s2", sampleSession("s2"), 0))
	})
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock, advance := fixedClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	store.now = clock

	require.NoError(t, store.Set(ctx, "s1", sampleSession("s1"), 10*time.Minute))
	expiresAt := clock().Add(10 * time.Minute)

	t.Run("applies change and keeps expiry", func(t *testing.T) {
		advance(time.Minute)
		err := store.Update(ctx, "s1", func(s *Session) error {
			s.LastTranscript = "Okafor"
			return nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "Okafor", got.LastTranscript)
		assert.Equal(t, expiresAt, got.ExpiresAt)
	})

	t.Run("callback error leaves session untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(ctx, "s1", func(s *Session) error {
			s.LastTranscript = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "Okafor", got.LastTranscript)
	})

	t.Run("missing session", func(t *testing.T) {
		err := store.Update(ctx, "nope", func(s *Session) error { return nil })
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestMemoryStore_Malformed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	future := time.Now().Add(time.Hour)

	store.entries["bad-json"] = memoryEntry{data: []byte("{not json"), expiresAt: future}
	store.entries["bad-state"] = memoryEntry{data: []byte(`{"id":"bad-state","state":"DANCING"}`), expiresAt: future}
	store.entries["no-pending"] = memoryEntry{data: []byte(`{"id":"no-pending","state":"AWAITING_PIN"}`), expiresAt: future}

	for _, id := range []string{"bad-json", "bad-state", "no-pending"} {
		t.Run(id, func(t *testing.T) {
			_, err := store.Get(ctx, id)
			assert.ErrorIs(t, err, ErrMalformedSession)
		})
	}

	t.Run("refuses to store unknown state", func(t *testing.T) {
		s := sampleSession("s3")
		s.State = "DANCING"
		assert.ErrorIs(t, store.Set(ctx, "s3", s, time.Minute), ErrMalformedSession)
	})
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock, _ := fixedClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	store.now = clock

	require.NoError(t, store.Set(ctx, "short", sampleSession("short"), time.Minute))
	require.NoError(t, store.Set(ctx, "long", sampleSession("long"), time.Hour))

	assert.Equal(t, 1, store.Purge(clock().Add(2*time.Minute)))
	assert.Equal(t, 1, store.Len())
}

func TestSession_ClearTransfer(t *testing.T) {
	s := sampleSession("s1")
	s.Pending = &PendingTransfer{TransferID: "T1"}
	s.Entities.RecipientName = "John"

	s.ClearTransfer()

	assert.Nil(t, s.Pending)
	assert.Nil(t, s.Candidates)
	assert.Nil(t, s.PendingAmount)
	assert.Empty(t, s.Entities.RecipientName)
}
