package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/ruralpay/echobank/internal/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "sess-1"

var testRecipients = []models.Recipient{
	{Name: "John Okafor", AccountNumber: "1111111111", BankCode: "058"},
	{Name: "John Adeyemi", AccountNumber: "2222222222", BankCode: "044"},
	{Name: "Amaka Eze", AccountNumber: "3333333333", BankCode: "011"},
}

func newSandboxGateway(t *testing.T) (*gateway.Sandbox, *gateway.Client) {
	t.Helper()
	sandbox := gateway.NewSandbox()
	sandbox.AddAccount(testAccount, decimal.NewFromInt(100000), testRecipients...)

	server := httptest.NewServer(sandbox)
	t.Cleanup(server.Close)

	opts := gateway.DefaultOptions()
	opts.Timeout = 5 * time.Second
	opts.Retry = gateway.RetryPolicy{MaxAttempts: 1}
	client, err := gateway.NewClient(gateway.SandboxEndpoints(testInstitution, server.URL), "", opts)
	require.NoError(t, err)
	return sandbox, client
}

type harness struct {
	orch    *Orchestrator
	sandbox *gateway.Sandbox
	store   session.Store
	ledger  *memLedger
	pins    *memPinRepo
	emitter *recordingEmitter
	clk     *clock
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, session.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store session.Store) *harness {
	t.Helper()
	sandbox, client := newSandboxGateway(t)
	cfg := testVoiceConfig()
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	repo := newMemPinRepo()
	auth := NewAuthenticator(repo, argonHasher{}, nil, cfg)
	auth.now = clk.now
	require.NoError(t, auth.Enroll(context.Background(), testInstitution, testAccount, testPin, decimal.Zero))

	ledger := newMemLedger()
	ledger.now = clk.now
	emitter := &recordingEmitter{}

	orch := NewOrchestrator(OrchestratorDeps{
		Store:      store,
		Locker:     session.NewKeyedMutex(),
		Classifier: NewKeywordClassifier(),
		Gateways:   &staticFactory{gw: client},
		Pins:       auth,
		Transfers:  ledger,
		Events:     emitter,
	}, cfg)
	orch.now = clk.now
	orch.validator.now = clk.now

	return &harness{orch: orch, sandbox: sandbox, store: store, ledger: ledger, pins: repo, emitter: emitter, clk: clk}
}

func (h *harness) say(t *testing.T, text string) *Outcome {
	t.Helper()
	out, err := h.orch.Handle(context.Background(), Turn{
		Text:          text,
		AccountNumber: testAccount,
		InstitutionID: testInstitution,
		SessionID:     testSession,
		Token:         "user-token",
	})
	require.NoError(t, err)
	return out
}

func (h *harness) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), testSession)
	require.NoError(t, err)
	return sess
}

// toPin drives a conversation up to the PIN prompt for 5000 to Amaka
func (h *harness) toPin(t *testing.T) {
	t.Helper()
	out := h.say(t, "send 5000 to Amaka")
	require.Equal(t, ActionConfirmTransfer, out.Action)
	out = h.say(t, "confirm")
	require.Equal(t, ActionRequestPin, out.Action)
	require.Equal(t, session.StateAwaitingPin, out.State)
}

func decimalData(t *testing.T, out *Outcome, key string) decimal.Decimal {
	t.Helper()
	v, ok := out.Data[key].(decimal.Decimal)
	require.True(t, ok, "data[%q] is %T", key, out.Data[key])
	return v
}

func TestOrchestrator_DisambiguateThenComplete(t *testing.T) {
	h := newHarness(t)

	out := h.say(t, "send 5000 to John")
	assert.Equal(t, ActionSelectRecipient, out.Action)
	assert.Equal(t, session.StateAwaitingRecipientSelection, out.State)
	assert.Equal(t, []string{"John Okafor", "John Adeyemi"}, out.Data["candidates"])
	assert.Zero(t, h.sandbox.Calls("initiate_transfer"))

	out = h.say(t, "Okafor")
	assert.Equal(t, ActionConfirmTransfer, out.Action)
	assert.Equal(t, session.StateAwaitingConfirmation, out.State)
	assert.True(t, decimalData(t, out, "fee").Equal(decimal.NewFromInt(25)))
	assert.True(t, decimalData(t, out, "total").Equal(decimal.NewFromInt(5025)))
	assert.Equal(t, "John Okafor", out.Data["recipient_name"])

	record := h.ledger.only()
	require.NotNil(t, record)
	assert.Equal(t, models.TransferStatusPendingPin, record.Status)
	assert.Equal(t, "1111111111", record.RecipientAccount)
	assert.Equal(t, testSession, record.SessionID)

	out = h.say(t, "confirm")
	assert.Equal(t, ActionRequestPin, out.Action)

	out = h.say(t, "1-2-3-4")
	assert.True(t, out.Success)
	assert.Equal(t, ActionComplete, out.Action)
	assert.Equal(t, session.StateComplete, out.State)
	assert.True(t, decimalData(t, out, "new_balance").Equal(decimal.NewFromInt(94975)))
	assert.NotEmpty(t, out.Data["transaction_ref"])
	assert.Contains(t, out.Text, "94,975.00")

	_, err := h.store.Get(context.Background(), testSession)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, models.TransferStatusCompleted, h.ledger.status(record.ID))
	assert.True(t, h.sandbox.Balance(testAccount).Equal(decimal.NewFromInt(94975)))
	assert.Equal(t, []models.TransferStatus{models.TransferStatusPendingPin, models.TransferStatusCompleted}, h.emitter.statuses())
}

func TestOrchestrator_PinDirectlyFromConfirmation(t *testing.T) {
	h := newHarness(t)

	h.say(t, "send 5000 to Amaka")
	out := h.say(t, "1234")
	assert.Equal(t, ActionComplete, out.Action)
	assert.Equal(t, 1, h.sandbox.Calls("confirm_transfer"))
}

func TestOrchestrator_UnknownRecipient(t *testing.T) {
	h := newHarness(t)

	out := h.say(t, "send 2000 to Tunde")
	assert.Equal(t, ActionAddRecipient, out.Action)
	assert.Equal(t, session.StateIdle, out.State)
	assert.Equal(t, "Tunde", out.Data["recipient_name"])
	assert.Nil(t, h.ledger.only())
	assert.Zero(t, h.sandbox.Calls("initiate_transfer"))
}

func TestOrchestrator_CollectsMissingDetails(t *testing.T) {
	h := newHarness(t)

	out := h.say(t, "send 5000")
	assert.Equal(t, ActionClarifyTransfer, out.Action)
	assert.Equal(t, session.StateAwaitingTransferDetails, out.State)
	assert.Equal(t, []string{"recipient"}, out.Data["missing"])
	assert.Contains(t, out.Text, "5,000.00")

	out = h.say(t, "Amaka")
	assert.Equal(t, ActionConfirmTransfer, out.Action)
	assert.Equal(t, "Amaka Eze", out.Data["recipient_name"])
}

func TestOrchestrator_CancelClearsEverything(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, h *harness)
		hasPending bool
	}{
		{
			name: "awaiting recipient selection",
			setup: func(t *testing.T, h *harness) {
				require.Equal(t, ActionSelectRecipient, h.say(t, "send 5000 to John").Action)
			},
		},
		{
			name: "awaiting confirmation",
			setup: func(t *testing.T, h *harness) {
				require.Equal(t, ActionConfirmTransfer, h.say(t, "send 5000 to Amaka").Action)
			},
			hasPending: true,
		},
		{
			name:       "awaiting pin",
			setup:      func(t *testing.T, h *harness) { h.toPin(t) },
			hasPending: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			var gatewayID string
			if tt.hasPending {
				gatewayID = h.session(t).Pending.TransferID
			}

			out := h.say(t, "cancel")
			assert.Equal(t, ActionCancelled, out.Action)
			assert.Equal(t, session.StateCancelled, out.State)
			assert.Contains(t, out.Text, "Transfer cancelled")

			_, err := h.store.Get(context.Background(), testSession)
			assert.ErrorIs(t, err, session.ErrSessionNotFound)

			if tt.hasPending {
				record := h.ledger.only()
				require.NotNil(t, record)
				assert.Equal(t, models.TransferStatusCancelled, record.Status)
				assert.Equal(t, "cancelled", h.sandbox.TransferStatus(gatewayID))
				assert.Equal(t, models.TransferStatusCancelled, h.emitter.statuses()[1])
			} else {
				assert.Nil(t, h.ledger.only())
			}
			assert.True(t, h.sandbox.Balance(testAccount).Equal(decimal.NewFromInt(100000)))
		})
	}
}

func TestOrchestrator_CancelSurvivesGatewayFailure(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to Amaka")

	h.sandbox.FailNext(http.StatusInternalServerError)
	out := h.say(t, "cancel")
	assert.Equal(t, ActionCancelled, out.Action)
	assert.Equal(t, models.TransferStatusCancelled, h.ledger.only().Status)
}

func TestOrchestrator_DailyLimit(t *testing.T) {
	h := newHarness(t)
	h.ledger.seedCompleted("earlier", testInstitution, testAccount, decimal.NewFromInt(45000), h.clk.now().Add(-time.Hour))

	out := h.say(t, "send 6000 to Amaka")
	assert.Equal(t, ActionClarify, out.Action)
	assert.Equal(t, session.StateIdle, out.State)
	assert.True(t, decimalData(t, out, "daily_remaining").Equal(decimal.NewFromInt(5000)))
	assert.Contains(t, out.Text, "5,000.00")
	assert.Zero(t, h.sandbox.Calls("initiate_transfer"))

	out = h.say(t, "send 5000 to Amaka")
	assert.Equal(t, ActionConfirmTransfer, out.Action)
}

func TestOrchestrator_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.sandbox.AddAccount(testAccount, decimal.NewFromInt(3000), testRecipients...)

	out := h.say(t, "send 4000 to Amaka")
	assert.Equal(t, ActionClarify, out.Action)
	assert.True(t, decimalData(t, out, "shortfall").Equal(decimal.NewFromInt(1000)))
	assert.Zero(t, h.sandbox.Calls("initiate_transfer"))
}

func TestOrchestrator_CorrectPinAfterTwoFailures(t *testing.T) {
	h := newHarness(t)
	h.toPin(t)

	out := h.say(t, "9999")
	assert.Equal(t, ActionRetryPin, out.Action)
	assert.Equal(t, 2, out.Data["attempts_remaining"])
	assert.Equal(t, session.StateAwaitingPin, out.State)

	out = h.say(t, "8888")
	assert.Equal(t, ActionRetryPin, out.Action)
	assert.Equal(t, 1, out.Data["attempts_remaining"])

	out = h.say(t, testPin)
	assert.Equal(t, ActionComplete, out.Action)
	assert.True(t, decimalData(t, out, "new_balance").Equal(decimal.NewFromInt(94975)))
	assert.Equal(t, 0, h.pins.failures(testInstitution, testAccount))
	assert.Equal(t, 1, h.sandbox.Calls("confirm_transfer"))
}

func TestOrchestrator_Lockout(t *testing.T) {
	h := newHarness(t)
	h.toPin(t)
	record := h.ledger.only()
	require.NotNil(t, record)

	h.say(t, "9999")
	h.say(t, "9999")
	out := h.say(t, "9999")
	assert.False(t, out.Success)
	assert.Equal(t, ActionLocked, out.Action)
	assert.Equal(t, session.StateIdle, out.State)
	assert.Equal(t, "pin_locked", out.Error)
	assert.Contains(t, out.Text, "30 minutes")

	assert.Nil(t, h.session(t).Pending)
	assert.Equal(t, models.TransferStatusPendingPin, h.ledger.status(record.ID))
	assert.Zero(t, h.sandbox.Calls("confirm_transfer"))

	// A fresh transfer is refused at the PIN step while the lock holds.
	h.toPin(t)
	out = h.say(t, testPin)
	assert.Equal(t, ActionLocked, out.Action)
}

func TestOrchestrator_ConfirmFailureMarksTransferFailed(t *testing.T) {
	h := newHarness(t)
	h.toPin(t)
	record := h.ledger.only()

	h.sandbox.FailNext(http.StatusInternalServerError)
	out := h.say(t, testPin)
	assert.False(t, out.Success)
	assert.Equal(t, ActionTransferFailed, out.Action)
	assert.Equal(t, session.StateIdle, out.State)
	assert.Equal(t, models.TransferStatusFailed, h.ledger.status(record.ID))
	assert.Equal(t, models.TransferStatusFailed, h.emitter.statuses()[1])
	assert.True(t, h.sandbox.Balance(testAccount).Equal(decimal.NewFromInt(100000)))
	assert.Nil(t, h.session(t).Pending)
}

func TestOrchestrator_PinNotSet(t *testing.T) {
	h := newHarness(t)
	h.toPin(t)
	delete(h.pins.creds, pinKey(testInstitution, testAccount))

	out := h.say(t, testPin)
	assert.Equal(t, ActionRedirectToUI, out.Action)
	assert.Equal(t, "pin_not_set", out.Error)
	assert.Equal(t, models.TransferStatusCancelled, h.ledger.only().Status)
}

func TestOrchestrator_ReadOnlyIntentsKeepState(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to Amaka")

	out := h.say(t, "what is my balance")
	assert.Equal(t, ActionShowBalance, out.Action)
	assert.Equal(t, session.StateAwaitingConfirmation, out.State)
	assert.True(t, decimalData(t, out, "balance").Equal(decimal.NewFromInt(100000)))

	out = h.say(t, "show my recipients")
	assert.Equal(t, ActionShowRecipients, out.Action)
	assert.Contains(t, out.Text, "John Okafor, John Adeyemi and Amaka Eze")

	out = h.say(t, "show my recent transactions")
	assert.Equal(t, ActionShowHistory, out.Action)
	assert.Equal(t, session.StateAwaitingConfirmation, out.State)

	assert.NotNil(t, h.session(t).Pending)
	out = h.say(t, "confirm")
	assert.Equal(t, ActionRequestPin, out.Action)
}

func TestOrchestrator_StartOver(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to Amaka")

	out := h.say(t, "let's start over")
	assert.Equal(t, ActionWelcome, out.Action)
	assert.Equal(t, session.StateIdle, out.State)
	assert.True(t, decimalData(t, out, "balance").Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, models.TransferStatusCancelled, h.ledger.only().Status)

	sess := h.session(t)
	assert.Nil(t, sess.Pending)
	assert.Nil(t, sess.Entities.Amount)
}

func TestOrchestrator_UpstreamFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to John")

	h.sandbox.FailNext(http.StatusServiceUnavailable)
	out := h.say(t, "what is my balance")
	assert.False(t, out.Success)
	assert.Equal(t, ActionRetryLater, out.Action)
	assert.Equal(t, "upstream_unavailable", out.Error)
	assert.Equal(t, session.StateAwaitingRecipientSelection, out.State)
}

func TestOrchestrator_NothingToConfirm(t *testing.T) {
	h := newHarness(t)

	out := h.say(t, "yes")
	assert.Equal(t, ActionClarify, out.Action)
	out = h.say(t, "1234")
	assert.Equal(t, ActionClarify, out.Action)
	assert.Zero(t, h.sandbox.Calls("confirm_transfer"))
}

type corruptStore struct {
	*session.MemoryStore
	mu      sync.Mutex
	corrupt string
	deleted []string
}

func (c *corruptStore) Get(ctx context.Context, id string) (*session.Session, error) {
	if id == c.corrupt {
		return nil, session.ErrMalformedSession
	}
	return c.MemoryStore.Get(ctx, id)
}

func (c *corruptStore) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	c.deleted = append(c.deleted, id)
	c.mu.Unlock()
	return c.MemoryStore.Delete(ctx, id)
}

func TestOrchestrator_MalformedSessionDiscarded(t *testing.T) {
	store := &corruptStore{MemoryStore: session.NewMemoryStore(), corrupt: testSession}
	h := newHarnessWithStore(t, store)

	_, err := h.orch.Handle(context.Background(), Turn{
		Text:          "what is my balance",
		AccountNumber: testAccount,
		InstitutionID: testInstitution,
		SessionID:     testSession,
	})
	assert.ErrorIs(t, err, session.ErrMalformedSession)
	assert.Equal(t, []string{testSession}, store.deleted)
}

func TestOrchestrator_SessionOwnership(t *testing.T) {
	h := newHarness(t)
	h.say(t, "what is my balance")

	_, err := h.orch.Handle(context.Background(), Turn{
		Text:          "what is my balance",
		AccountNumber: "5555555555",
		InstitutionID: testInstitution,
		SessionID:     testSession,
	})
	assert.ErrorIs(t, err, ErrSessionOwnership)
}

func TestOrchestrator_AssignsSessionID(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.Handle(context.Background(), Turn{
		Text:          "what is my balance",
		AccountNumber: testAccount,
		InstitutionID: testInstitution,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)

	sess, err := h.store.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "what is my balance", sess.LastTranscript)
	assert.Equal(t, out.Text, sess.LastResponseText)
}

func TestMatchRecipients(t *testing.T) {
	recipients := append([]models.Recipient{{Name: "John"}}, testRecipients...)

	assert.Len(t, matchRecipients(recipients, "john"), 1, "exact match wins")
	assert.Len(t, matchRecipients(testRecipients, "john"), 2)
	assert.Len(t, matchRecipients(testRecipients, "amaka eze please"), 1)
	assert.Empty(t, matchRecipients(testRecipients, "  "))
}

func TestOrchestrator_SessionIsReadOnly(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to John")
	ctx := context.Background()

	first, err := h.orch.Session(ctx, testInstitution, testSession)
	require.NoError(t, err)
	second, err := h.orch.Session(ctx, testInstitution, testSession)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, session.StateAwaitingRecipientSelection, second.State)

	_, err = h.orch.Session(ctx, "other-bank", testSession)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestOrchestrator_ClearCancelsPendingTransfer(t *testing.T) {
	h := newHarness(t)
	h.say(t, "send 5000 to Amaka")
	ctx := context.Background()

	assert.ErrorIs(t, h.orch.Clear(ctx, "other-bank", testSession, ""), session.ErrSessionNotFound)

	require.NoError(t, h.orch.Clear(ctx, testInstitution, testSession, ""))
	assert.Equal(t, models.TransferStatusCancelled, h.ledger.only().Status)
	_, err := h.store.Get(ctx, testSession)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	assert.ErrorIs(t, h.orch.Clear(ctx, testInstitution, testSession, ""), session.ErrSessionNotFound)
}

// recordingClassifier remembers every utterance handed to the remote model
type recordingClassifier struct {
	mu    sync.Mutex
	texts []string
	inner Classifier
}

func (c *recordingClassifier) Classify(ctx context.Context, text string, state session.State) (*Classification, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return c.inner.Classify(ctx, text, state)
}

func TestOrchestrator_PinStaysOutOfSessionAndClassifier(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
	}{
		{name: "awaiting PIN", setup: func(t *testing.T, h *harness) { h.toPin(t) }},
		{
			name: "PIN straight from confirmation",
			setup: func(t *testing.T, h *harness) {
				require.Equal(t, ActionConfirmTransfer, h.say(t, "send 5000 to Amaka").Action)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			remote := &recordingClassifier{inner: NewKeywordClassifier()}
			h.orch.classifier = remote
			tt.setup(t, h)

			out := h.say(t, "4-3-2-1")
			require.Equal(t, ActionRetryPin, out.Action)
			require.Equal(t, session.StateAwaitingPin, out.State)

			sess, err := h.orch.Session(context.Background(), testInstitution, testSession)
			require.NoError(t, err)
			assert.Equal(t, "****", sess.LastTranscript)
			assert.Equal(t, string(IntentProvidePin), sess.LastIntent)

			raw, err := json.Marshal(sess)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "4-3-2-1")

			assert.NotContains(t, remote.texts, "4-3-2-1")
			assert.Contains(t, remote.texts, "send 5000 to Amaka")

			// Other words said at the PIN prompt are redacted too, and still understood.
			out = h.say(t, "cancel")
			assert.Equal(t, ActionCancelled, out.Action)
			assert.NotContains(t, remote.texts, "cancel")
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short string kept", in: "timeout", n: 200, want: "timeout"},
		{name: "ascii cut", in: "gateway timeout", n: 7, want: "gateway"},
		{name: "cut inside naira sign backs off", in: "ab₦500", n: 3, want: "ab"},
		{name: "cut after naira sign", in: "ab₦500", n: 5, want: "ab₦"},
		{name: "nothing fits", in: "₦", n: 2, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}

	long := truncate(strings.Repeat("é", 150), 201)
	assert.True(t, utf8.ValidString(long))
	assert.Len(t, long, 200)
}
