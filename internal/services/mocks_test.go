package services

import (
	"context"
	"sync"
	"time"

	"github.com/ruralpay/echobank/internal/events"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockPinHasher struct {
	mock.Mock
}

func (m *MockPinHasher) HashPIN(pin string, salt []byte) (string, error) {
	args := m.Called(pin, salt)
	return args.String(0), args.Error(1)
}

func (m *MockPinHasher) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	args := m.Called(pin, hashedPIN)
	return args.Bool(0), args.Error(1)
}

// memPinRepo mirrors the Postgres counter semantics in memory
type memPinRepo struct {
	mu    sync.Mutex
	creds map[string]*models.PinCredential
	err   error
}

func newMemPinRepo() *memPinRepo {
	return &memPinRepo{creds: make(map[string]*models.PinCredential)}
}

func pinKey(institutionID, account string) string {
	return institutionID + "/" + account
}

func (r *memPinRepo) GetCredential(ctx context.Context, institutionID, account string) (*models.PinCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	cred, ok := r.creds[pinKey(institutionID, account)]
	if !ok {
		return nil, ErrPinNotSet
	}
	copied := *cred
	return &copied, nil
}

func (r *memPinRepo) RecordFailedAttempt(ctx context.Context, institutionID, account string, maxAttempts int, lockout time.Duration, now time.Time) (*models.PinCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[pinKey(institutionID, account)]
	if !ok {
		return nil, ErrPinNotSet
	}

	if cred.LockedUntil != nil && cred.LockedUntil.Before(now) {
		cred.FailedAttempts = 1
	} else {
		cred.FailedAttempts++
	}
	cred.LockedUntil = nil
	if cred.FailedAttempts >= maxAttempts {
		until := now.Add(lockout)
		cred.LockedUntil = &until
	}
	copied := *cred
	return &copied, nil
}

func (r *memPinRepo) ResetFailures(ctx context.Context, institutionID, account string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred, ok := r.creds[pinKey(institutionID, account)]; ok {
		cred.FailedAttempts = 0
		cred.LockedUntil = nil
	}
	return nil
}

func (r *memPinRepo) UpsertCredential(ctx context.Context, cred *models.PinCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *cred
	r.creds[pinKey(cred.InstitutionID, cred.AccountNumber)] = &copied
	return nil
}

func (r *memPinRepo) failures(institutionID, account string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds[pinKey(institutionID, account)].FailedAttempts
}

// memLedger is an in-memory TransferStore with the same guards as TransferLedger
type memLedger struct {
	mu        sync.Mutex
	transfers map[string]*models.Transfer
	history   []models.TransferStateEntry
	now       func() time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{transfers: make(map[string]*models.Transfer), now: time.Now}
}

func (l *memLedger) Create(ctx context.Context, t *models.Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.Status = models.TransferStatusPendingPin
	t.CreatedAt = l.now()
	copied := *t
	l.transfers[t.ID] = &copied
	l.history = append(l.history, models.TransferStateEntry{TransferID: t.ID, ToStatus: t.Status, Reason: "initiated"})
	return nil
}

func (l *memLedger) Transition(ctx context.Context, id string, from, to models.TransferStatus, reason, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[id]
	if !ok || t.Status != from || !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	t.Status = to
	if ref != "" {
		t.TransactionRef = ref
	}
	if to == models.TransferStatusCompleted {
		now := l.now()
		t.CompletedAt = &now
	}
	l.history = append(l.history, models.TransferStateEntry{TransferID: id, FromStatus: from, ToStatus: to, Reason: reason})
	return nil
}

func (l *memLedger) Cancel(ctx context.Context, id, reason string) (models.TransferStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[id]
	if !ok {
		return "", ErrTransferNotFound
	}
	from := t.Status
	if !from.Cancellable() {
		return from, ErrInvalidTransition
	}
	t.Status = models.TransferStatusCancelled
	l.history = append(l.history, models.TransferStateEntry{TransferID: id, FromStatus: from, ToStatus: t.Status, Reason: reason})
	return from, nil
}

func (l *memLedger) SumCompletedSince(ctx context.Context, institutionID, account string, since time.Time) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, t := range l.transfers {
		if t.InstitutionID == institutionID && t.AccountNumber == account &&
			t.Status == models.TransferStatusCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (l *memLedger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Transfer
	for _, t := range l.transfers {
		if (t.Status == models.TransferStatusPendingPin || t.Status == models.TransferStatusPendingConfirmation) && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// seedCompleted records an already completed transfer
func (l *memLedger) seedCompleted(id, institutionID, account string, amount decimal.Decimal, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers[id] = &models.Transfer{
		ID:            id,
		InstitutionID: institutionID,
		AccountNumber: account,
		Amount:        amount,
		Status:        models.TransferStatusCompleted,
		CreatedAt:     at,
		CompletedAt:   &at,
	}
}

func (l *memLedger) status(id string) models.TransferStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.transfers[id]; ok {
		return t.Status
	}
	return ""
}

func (l *memLedger) only() *models.Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.transfers {
		if t.Status != models.TransferStatusCompleted || t.GatewayTransferID != "" {
			copied := *t
			return &copied
		}
	}
	return nil
}

type staticFactory struct {
	gw  gateway.Gateway
	err error
}

func (f *staticFactory) ForInstitution(ctx context.Context, institutionID string) (gateway.Gateway, error) {
	return f.gw, f.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.TransferEvent
}

func (e *recordingEmitter) Emit(ctx context.Context, event events.TransferEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) statuses() []models.TransferStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.TransferStatus, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Status)
	}
	return out
}
