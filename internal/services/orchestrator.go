package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ruralpay/echobank/internal/config"
	"github.com/ruralpay/echobank/internal/events"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/hsm"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/ruralpay/echobank/internal/session"
	"github.com/shopspring/decimal"
)

var ErrSessionOwnership = errors.New("session belongs to another account")

// Action tells the calling surface what to do next
type Action string

const (
	ActionClarifyTransfer Action = "clarify_transfer"
	ActionAddRecipient    Action = "add_recipient"
	ActionConfirmTransfer Action = "confirm_transfer"
	ActionSelectRecipient Action = "select_recipient"
	ActionRequestPin      Action = "request_pin"
	ActionRetryPin        Action = "retry_pin"
	ActionLocked          Action = "locked"
	ActionComplete        Action = "complete"
	ActionTransferFailed  Action = "transfer_failed"
	ActionCancelled       Action = "cancelled"
	ActionWelcome         Action = "welcome"
	ActionRedirectToUI    Action = "redirect_to_ui"
	ActionShowBalance     Action = "show_balance"
	ActionShowRecipients  Action = "show_recipients"
	ActionShowHistory     Action = "show_transactions"
	ActionRetryLater      Action = "retry_later"
	ActionClarify         Action = "clarify"
)

const recentTransactionLimit = 5

// Turn is one utterance from the calling surface
type Turn struct {
	Text          string
	AccountNumber string
	InstitutionID string
	SessionID     string
	Token         string
}

// Outcome is the result of a turn; State is the state the session was left in
type Outcome struct {
	SessionID string
	Intent    Intent
	State     session.State
	Action    Action
	Text      string
	Data      map[string]any
	Success   bool
	Error     string
}

// TransferStore is the ledger view the orchestrator needs
type TransferStore interface {
	DailyUsage
	Create(ctx context.Context, t *models.Transfer) error
	Transition(ctx context.Context, id string, from, to models.TransferStatus, reason, transactionRef string) error
	Cancel(ctx context.Context, id, reason string) (models.TransferStatus, error)
}

type PinAuthorizer interface {
	Authorize(ctx context.Context, institutionID, account, pin string) (*PinResult, error)
	DailyLimit(ctx context.Context, institutionID, account string) (decimal.Decimal, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event events.TransferEvent)
}

type OrchestratorDeps struct {
	Store      session.Store
	Locker     session.Locker
	Classifier Classifier
	Gateways   gateway.Factory
	Pins       PinAuthorizer
	Transfers  TransferStore
	Events     EventEmitter
	Audit      *hsm.AuditLogger
	Banks      *BankDirectory
	// References issues transfer references; defaults to UUIDs
	References func() string
}

// Orchestrator runs the conversational transfer state machine. Each turn
// holds the session lock for its whole read-modify-write.
type Orchestrator struct {
	store      session.Store
	locker     session.Locker
	classifier Classifier
	local      *KeywordClassifier
	gateways   gateway.Factory
	pins       PinAuthorizer
	transfers  TransferStore
	validator  *TransferValidator
	events     EventEmitter
	audit      *hsm.AuditLogger
	banks      *BankDirectory
	cfg        *config.VoiceConfig
	newID      func() string
	newRef     func() string
	now        func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps, cfg *config.VoiceConfig) *Orchestrator {
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.NewTransferEvents(nil)
	}
	audit := deps.Audit
	if audit == nil {
		audit = hsm.NewAuditLogger()
	}
	banks := deps.Banks
	if banks == nil {
		banks = NewBankDirectory()
	}
	newRef := deps.References
	if newRef == nil {
		newRef = uuid.NewString
	}

	return &Orchestrator{
		store:      deps.Store,
		locker:     deps.Locker,
		classifier: classifier,
		local:      NewKeywordClassifier(),
		gateways:   deps.Gateways,
		pins:       deps.Pins,
		transfers:  deps.Transfers,
		validator:  NewTransferValidator(deps.Transfers, cfg.Location),
		events:     emitter,
		audit:      audit,
		banks:      banks,
		cfg:        cfg,
		newID:      uuid.NewString,
		newRef:     newRef,
		now:        time.Now,
	}
}

type turnContext struct {
	turn           Turn
	sess           *session.Session
	classification *Classification
}

func (o *Orchestrator) Handle(ctx context.Context, turn Turn) (*Outcome, error) {
	if turn.SessionID == "" {
		turn.SessionID = o.newID()
	}

	unlock, err := o.locker.Lock(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", turn.SessionID, err)
	}
	defer unlock()

	sess, err := o.store.Get(ctx, turn.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		sess = session.New(turn.SessionID, turn.AccountNumber, turn.InstitutionID, o.now())
	case errors.Is(err, session.ErrMalformedSession):
		log.Printf("[ORCHESTRATOR] Discarding malformed session %s: %v", turn.SessionID, err)
		if delErr := o.store.Delete(ctx, turn.SessionID); delErr != nil {
			log.Printf("[ORCHESTRATOR] Failed to delete malformed session %s: %v", turn.SessionID, delErr)
		}
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", turn.SessionID, err)
	}

	if sess.AccountNumber != turn.AccountNumber || sess.InstitutionID != turn.InstitutionID {
		return nil, ErrSessionOwnership
	}

	classification := o.classify(ctx, turn.Text, sess.State)
	sess.LastTranscript = turn.Text
	if pinSensitive(turn.Text, sess.State) {
		sess.LastTranscript = redactedTranscript
	}
	sess.LastIntent = string(classification.Intent)

	t := &turnContext{turn: turn, sess: sess, classification: classification}
	out, err := o.dispatch(ctx, t)
	if err != nil {
		return nil, err
	}

	out.SessionID = sess.ID
	out.State = sess.State
	if out.Intent == "" {
		out.Intent = classification.Intent
	}

	if err := o.persist(ctx, sess, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session returns a stored session owned by the institution. Reading never
// changes the session or its expiry.
func (o *Orchestrator) Session(ctx context.Context, institutionID, sessionID string) (*session.Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.InstitutionID != institutionID {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// Clear cancels any in-flight transfer and removes the session
func (o *Orchestrator) Clear(ctx context.Context, institutionID, sessionID, token string) error {
	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := o.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrMalformedSession):
		return o.store.Delete(ctx, sessionID)
	case err != nil:
		return err
	case sess.InstitutionID != institutionID:
		return session.ErrSessionNotFound
	}

	o.cancelPending(ctx, &turnContext{turn: Turn{SessionID: sessionID, Token: token}, sess: sess}, "session cleared")
	if err := o.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	log.Printf("[ORCHESTRATOR] Session %s cleared", sessionID)
	return nil
}

// redactedTranscript replaces turns that may carry a PIN in stored sessions
const redactedTranscript = "****"

// pinSensitive reports turns that may carry a PIN: anything said while a PIN
// is awaited, and any digit run shaped like one
func pinSensitive(text string, state session.State) bool {
	return state == session.StateAwaitingPin || looksLikePin(text)
}

// classify keeps PIN-sensitive turns on the local keyword rules so a PIN
// never reaches a remote model
func (o *Orchestrator) classify(ctx context.Context, text string, state session.State) *Classification {
	if pinSensitive(text, state) {
		c, _ := o.local.Classify(ctx, text, state)
		return c
	}

	c, err := o.classifier.Classify(ctx, text, state)
	if err != nil || c == nil {
		if err != nil {
			log.Printf("[ORCHESTRATOR] Classifier error: %v", err)
		}
		c = &Classification{Intent: IntentUnknown}
	}
	if c.Intent == IntentUnknown || c.Confidence < o.cfg.MinConfidence {
		c.Intent = keywordIntent(text)
	}
	return c
}

func (o *Orchestrator) persist(ctx context.Context, sess *session.Session, out *Outcome) error {
	if sess.State.Terminal() {
		if err := o.store.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("failed to clear session %s: %w", sess.ID, err)
		}
		return nil
	}

	sess.LastResponseText = out.Text
	if err := o.store.Set(ctx, sess.ID, sess, o.ttlFor(sess.State)); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

func (o *Orchestrator) ttlFor(state session.State) time.Duration {
	switch state {
	case session.StateAwaitingPin:
		return o.cfg.AwaitingPinTTL
	case session.StateAwaitingConfirmation, session.StateAwaitingRecipientSelection:
		return o.cfg.PendingTransferTTL
	}
	return o.cfg.SessionTTL
}

func (o *Orchestrator) dispatch(ctx context.Context, t *turnContext) (*Outcome, error) {
	intent := t.classification.Intent
	if intent == IntentCancel {
		return o.handleCancel(ctx, t)
	}
	if intent == IntentStartOver || isStartOver(t.turn.Text) {
		return o.handleStartOver(ctx, t)
	}

	if out, ok := o.readOnly(ctx, t); ok {
		return out, nil
	}

	if t.sess.Pending == nil && (t.sess.State == session.StateAwaitingPin || t.sess.State == session.StateAwaitingConfirmation) {
		t.sess.State = session.StateIdle
	}

	switch t.sess.State {
	case session.StateAwaitingPin:
		return o.handlePin(ctx, t)
	case session.StateAwaitingConfirmation:
		return o.handleAwaitingConfirmation(ctx, t)
	case session.StateAwaitingRecipientSelection:
		return o.handleSelection(ctx, t)
	case session.StateAwaitingTransferDetails:
		return o.handleTransferDetails(ctx, t)
	}

	switch intent {
	case IntentTransfer:
		t.sess.Entities = session.Entities{}
		o.mergeEntities(t)
		return o.proceedTransfer(ctx, t)
	case IntentAddRecipient:
		return &Outcome{
			Success: true,
			Action:  ActionRedirectToUI,
			Text:    "To add a new recipient, please use the 'Add Recipient' option in your app. Then you can send money to them using voice.",
		}, nil
	case IntentConfirm:
		return &Outcome{
			Success: true,
			Action:  ActionClarify,
			Text:    "There's nothing to confirm. Would you like to make a transfer?",
		}, nil
	case IntentProvidePin:
		return &Outcome{
			Success: true,
			Action:  ActionClarify,
			Text:    "No pending transfer found. Please start a new transfer.",
		}, nil
	}

	return &Outcome{
		Success: true,
		Intent:  IntentUnknown,
		Action:  ActionClarify,
		Text:    "I didn't quite understand that. You can say things like 'check my balance' or 'send money to John'.",
	}, nil
}

func (o *Orchestrator) mergeEntities(t *turnContext) {
	ents := t.classification.Entities
	if ents.Recipient != "" {
		t.sess.Entities.RecipientName = ents.Recipient
	}
	if ents.Amount != nil {
		amount := *ents.Amount
		t.sess.Entities.Amount = &amount
	}
}

func (o *Orchestrator) handleTransferDetails(ctx context.Context, t *turnContext) (*Outcome, error) {
	c := t.classification
	switch c.Intent {
	case IntentTransfer, IntentUnknown, IntentProvidePin:
	default:
		t.sess.ClearTransfer()
		t.sess.State = session.StateIdle
		return o.dispatch(ctx, t)
	}

	o.mergeEntities(t)
	if c.Entities.Recipient == "" && c.Entities.Amount == nil && t.sess.Entities.RecipientName == "" {
		t.sess.Entities.RecipientName = strings.TrimSpace(t.turn.Text)
	}
	return o.proceedTransfer(ctx, t)
}

// proceedTransfer resolves the recipient once both entities are known
func (o *Orchestrator) proceedTransfer(ctx context.Context, t *turnContext) (*Outcome, error) {
	sess := t.sess
	name := sess.Entities.RecipientName
	amount := sess.Entities.Amount

	if amount != nil && !amount.IsPositive() {
		sess.Entities.Amount = nil
		sess.State = session.StateAwaitingTransferDetails
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionClarifyTransfer,
			Text:    "The amount must be greater than zero. How much would you like to send?",
			Data:    map[string]any{"missing": []string{"amount"}},
		}, nil
	}

	if name == "" || amount == nil {
		sess.State = session.StateAwaitingTransferDetails
		var missing []string
		text := "I can help you with that transfer. Who would you like to send money to and how much?"
		switch {
		case name == "" && amount != nil:
			missing = []string{"recipient"}
			text = fmt.Sprintf("Who would you like to send %s naira to?", formatNaira(*amount))
		case name != "" && amount == nil:
			missing = []string{"amount"}
			text = fmt.Sprintf("How much would you like to send to %s?", name)
		default:
			missing = []string{"recipient", "amount"}
		}
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionClarifyTransfer,
			Text:    text,
			Data:    map[string]any{"missing": missing},
		}, nil
	}

	gw, err := o.gateways.ForInstitution(ctx, sess.InstitutionID)
	if err != nil {
		return o.upstreamFailure(t, "gateway", err, "Sorry, I can't reach your bank right now. Please try again later."), nil
	}

	recipients, err := gw.GetRecipients(ctx, sess.AccountNumber, t.turn.Token)
	if err != nil {
		return o.upstreamFailure(t, "get_recipients", err, "I couldn't access your recipients. Please try again."), nil
	}
	o.banks.Enrich(recipients)

	matches := matchRecipients(recipients, name)
	switch len(matches) {
	case 0:
		sess.ClearTransfer()
		sess.State = session.StateIdle
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionAddRecipient,
			Text:    fmt.Sprintf("I couldn't find %s in your recipients. Would you like to add them first?", name),
			Data:    map[string]any{"recipient_name": name},
		}, nil
	case 1:
		return o.initiate(ctx, t, gw, matches[0], *amount)
	}

	names := recipientNames(matches)
	pendingAmount := *amount
	sess.Candidates = matches
	sess.PendingAmount = &pendingAmount
	sess.State = session.StateAwaitingRecipientSelection
	return &Outcome{
		Success: true,
		Intent:  IntentTransfer,
		Action:  ActionSelectRecipient,
		Text:    fmt.Sprintf("I found %d recipients matching %s: %s. Which one would you like to send to?", len(matches), name, joinNames(names)),
		Data:    map[string]any{"candidates": names, "amount": pendingAmount},
	}, nil
}

func (o *Orchestrator) handleSelection(ctx context.Context, t *turnContext) (*Outcome, error) {
	sess := t.sess
	c := t.classification

	if c.Intent == IntentTransfer && c.Entities.Amount != nil {
		sess.ClearTransfer()
		o.mergeEntities(t)
		return o.proceedTransfer(ctx, t)
	}

	query := strings.TrimSpace(t.turn.Text)
	if c.Entities.Recipient != "" {
		query = c.Entities.Recipient
	}

	matches := matchRecipients(sess.Candidates, query)
	names := recipientNames(sess.Candidates)
	if len(matches) != 1 || sess.PendingAmount == nil {
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionSelectRecipient,
			Text:    fmt.Sprintf("Please tell me which recipient: %s.", joinNames(names)),
			Data:    map[string]any{"candidates": names},
		}, nil
	}

	gw, err := o.gateways.ForInstitution(ctx, sess.InstitutionID)
	if err != nil {
		return o.upstreamFailure(t, "gateway", err, "Sorry, I can't reach your bank right now. Please try again later."), nil
	}
	sess.Entities.RecipientName = matches[0].Name
	return o.initiate(ctx, t, gw, matches[0], *sess.PendingAmount)
}

// initiate validates, starts the transfer at the bank and records it locally
func (o *Orchestrator) initiate(ctx context.Context, t *turnContext, gw gateway.Gateway, recipient models.Recipient, amount decimal.Decimal) (*Outcome, error) {
	sess := t.sess

	balance, err := gw.GetBalance(ctx, sess.AccountNumber, t.turn.Token)
	if err != nil {
		return o.upstreamFailure(t, "get_balance", err, "Sorry, I couldn't check your balance. Please try again."), nil
	}

	limit, err := o.pins.DailyLimit(ctx, sess.InstitutionID, sess.AccountNumber)
	if err != nil {
		return nil, err
	}

	check, err := o.validator.Validate(ctx, ValidationInput{
		InstitutionID: sess.InstitutionID,
		Account:       sess.AccountNumber,
		Amount:        amount,
		Balance:       balance,
		DailyLimit:    limit,
	})
	if err != nil {
		return nil, err
	}

	if !check.BalanceOK {
		sess.ClearTransfer()
		sess.State = session.StateIdle
		shortfall := check.Shortfall(amount)
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionClarify,
			Text: fmt.Sprintf("Insufficient balance. You need %s more naira to send %s naira. Your balance is %s naira.",
				formatNaira(shortfall), formatNaira(amount), formatNaira(balance)),
			Data: map[string]any{"current_balance": balance, "shortfall": shortfall},
		}, nil
	}
	if !check.LimitOK {
		sess.ClearTransfer()
		sess.State = session.StateIdle
		return &Outcome{
			Success: true,
			Intent:  IntentTransfer,
			Action:  ActionClarify,
			Text: fmt.Sprintf("This transfer would exceed your daily limit of %s naira. You can still send %s naira today.",
				formatNaira(limit), formatNaira(check.DailyRemaining)),
			Data: map[string]any{"daily_limit": limit, "daily_used": check.DailyUsed, "daily_remaining": check.DailyRemaining},
		}, nil
	}

	reference := o.newRef()
	result, err := gw.InitiateTransfer(ctx, gateway.InitiateRequest{
		SenderAccount:    sess.AccountNumber,
		RecipientAccount: recipient.AccountNumber,
		BankCode:         recipient.BankCode,
		Amount:           amount,
		Narration:        "Transfer to " + recipient.Name,
		Reference:        reference,
		Token:            t.turn.Token,
	})
	if err != nil {
		return o.upstreamFailure(t, "initiate_transfer", err, "Sorry, I couldn't start the transfer. Please try again later."), nil
	}

	record := &models.Transfer{
		ID:                reference,
		InstitutionID:     sess.InstitutionID,
		AccountNumber:     sess.AccountNumber,
		SessionID:         sess.ID,
		GatewayTransferID: result.TransferID,
		RecipientName:     recipient.Name,
		RecipientAccount:  recipient.AccountNumber,
		BankCode:          recipient.BankCode,
		Amount:            amount,
		Fee:               result.Fee,
		Total:             result.Total,
		Metadata:          models.Metadata{"channel": "voice", "transcript": t.turn.Text},
	}
	if err := o.transfers.Create(ctx, record); err != nil {
		if cancelErr := gw.CancelTransfer(ctx, result.TransferID, t.turn.Token); cancelErr != nil {
			log.Printf("[ORCHESTRATOR] Failed to cancel unrecorded transfer %s: %v", result.TransferID, cancelErr)
		}
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	o.emit(ctx, record, models.TransferStatusPendingPin, "", "")

	sess.ClearTransfer()
	sess.Entities.RecipientName = recipient.Name
	sess.Entities.Amount = &amount
	sess.Pending = &session.PendingTransfer{
		TransferID:       result.TransferID,
		Reference:        reference,
		RecipientName:    recipient.Name,
		RecipientAccount: recipient.AccountNumber,
		BankCode:         recipient.BankCode,
		Amount:           amount,
		Fee:              result.Fee,
		Total:            result.Total,
		CreatedAt:        o.now(),
	}
	sess.State = session.StateAwaitingConfirmation

	return &Outcome{
		Success: true,
		Intent:  IntentTransfer,
		Action:  ActionConfirmTransfer,
		Text: fmt.Sprintf("You're about to send %s naira to %s. The total with fees is %s naira. Please confirm by saying 'confirm' or enter your PIN.",
			formatNaira(amount), recipient.Name, formatNaira(result.Total)),
		Data: pendingData(sess.Pending),
	}, nil
}

func (o *Orchestrator) handleAwaitingConfirmation(ctx context.Context, t *turnContext) (*Outcome, error) {
	sess := t.sess
	c := t.classification

	switch {
	case looksLikePin(t.turn.Text):
		return o.handlePin(ctx, t)
	case c.Intent == IntentConfirm:
		sess.State = session.StateAwaitingPin
		return &Outcome{
			Success: true,
			Action:  ActionRequestPin,
			Text:    "Please enter your 4-digit PIN to complete the transfer.",
			Data:    pendingData(sess.Pending),
		}, nil
	case c.Intent == IntentTransfer && (c.Entities.Amount != nil || c.Entities.Recipient != ""):
		o.cancelPending(ctx, t, "replaced by new transfer")
		sess.State = session.StateIdle
		o.mergeEntities(t)
		return o.proceedTransfer(ctx, t)
	}

	p := sess.Pending
	return &Outcome{
		Success: true,
		Action:  ActionConfirmTransfer,
		Text: fmt.Sprintf("You have a pending transfer of %s naira to %s. Say 'confirm' or enter your PIN to continue, or 'cancel' to stop.",
			formatNaira(p.Amount), p.RecipientName),
		Data: pendingData(p),
	}, nil
}

// handlePin authorizes the PIN and, on success, confirms the pending transfer
// exactly once
func (o *Orchestrator) handlePin(ctx context.Context, t *turnContext) (*Outcome, error) {
	sess := t.sess
	pending := sess.Pending

	pin := normalizePin(t.turn.Text)
	if !looksLikePin(pin) {
		sess.State = session.StateAwaitingPin
		return &Outcome{
			Success: true,
			Intent:  IntentProvidePin,
			Action:  ActionRequestPin,
			Text:    "Please enter your 4-digit PIN to complete the transfer.",
			Data:    pendingData(pending),
		}, nil
	}

	gw, err := o.gateways.ForInstitution(ctx, sess.InstitutionID)
	if err != nil {
		return o.upstreamFailure(t, "gateway", err, "Sorry, I can't reach your bank right now. Please try again later."), nil
	}

	result, err := o.pins.Authorize(ctx, sess.InstitutionID, sess.AccountNumber, pin)
	if errors.Is(err, ErrPinNotSet) {
		o.cancelPending(ctx, t, "no transfer PIN")
		sess.State = session.StateIdle
		return &Outcome{
			Success: false,
			Intent:  IntentProvidePin,
			Action:  ActionRedirectToUI,
			Text:    "You haven't set a transfer PIN yet. Please set one in your app, then try again.",
			Error:   "pin_not_set",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Locked {
		// The pending transfer is abandoned; the bank side is cleaned up once it goes stale.
		sess.ClearTransfer()
		sess.State = session.StateIdle
		minutes := 0
		data := map[string]any{"locked": true}
		if result.LockedUntil != nil {
			minutes = int(math.Ceil(result.LockedUntil.Sub(o.now()).Minutes()))
			data["locked_until"] = result.LockedUntil.UTC()
		}
		return &Outcome{
			Success: false,
			Intent:  IntentProvidePin,
			Action:  ActionLocked,
			Text:    fmt.Sprintf("Too many incorrect PIN attempts. Transfers are locked for the next %d minutes.", max(minutes, 1)),
			Data:    data,
			Error:   "pin_locked",
		}, nil
	}

	if !result.Verified {
		sess.State = session.StateAwaitingPin
		return &Outcome{
			Success: false,
			Intent:  IntentProvidePin,
			Action:  ActionRetryPin,
			Text:    fmt.Sprintf("Incorrect PIN. You have %d attempts remaining.", result.AttemptsRemaining),
			Data:    map[string]any{"attempts_remaining": result.AttemptsRemaining},
			Error:   "invalid_pin",
		}, nil
	}

	err = o.transfers.Transition(ctx, pending.Reference, models.TransferStatusPendingPin, models.TransferStatusPendingConfirmation, "pin verified", "")
	if errors.Is(err, ErrInvalidTransition) {
		sess.ClearTransfer()
		sess.State = session.StateIdle
		return &Outcome{
			Success: false,
			Intent:  IntentProvidePin,
			Action:  ActionClarify,
			Text:    "This transfer has already been processed. How else can I help you?",
			Error:   "transfer_already_processed",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	confirmed, err := gw.ConfirmTransfer(ctx, gateway.ConfirmRequest{
		TransferID:     pending.TransferID,
		Pin:            pin,
		IdempotencyKey: pending.Reference,
		Token:          t.turn.Token,
	})
	if err != nil {
		log.Printf("[ORCHESTRATOR] Confirm failed for transfer %s: %v", pending.Reference, err)
		o.audit.LogError(sess.InstitutionID, pending.Reference, sess.AccountNumber, err)
		if tErr := o.transfers.Transition(ctx, pending.Reference, models.TransferStatusPendingConfirmation, models.TransferStatusFailed, truncate(err.Error(), 200), ""); tErr != nil {
			log.Printf("[ORCHESTRATOR] Failed to mark transfer %s failed: %v", pending.Reference, tErr)
		}
		o.emitPending(ctx, sess, pending, models.TransferStatusFailed, "", err.Error())
		sess.ClearTransfer()
		sess.State = session.StateIdle
		return &Outcome{
			Success: false,
			Intent:  IntentProvidePin,
			Action:  ActionTransferFailed,
			Text:    "Transfer failed. Your bank could not complete it. Please try again later.",
			Error:   "transfer_failed",
		}, nil
	}

	if err := o.transfers.Transition(ctx, pending.Reference, models.TransferStatusPendingConfirmation, models.TransferStatusCompleted, "confirmed", confirmed.TransactionRef); err != nil {
		log.Printf("[ORCHESTRATOR] Transfer %s confirmed at bank but not recorded: %v", pending.Reference, err)
		o.audit.LogError(sess.InstitutionID, pending.Reference, sess.AccountNumber, err)
	}
	o.emitPending(ctx, sess, pending, models.TransferStatusCompleted, confirmed.TransactionRef, "")
	o.audit.LogTransfer(sess.InstitutionID, pending.Reference, sess.AccountNumber, pending.RecipientAccount, pending.Amount, "COMPLETED")

	sess.ClearTransfer()
	sess.State = session.StateComplete
	return &Outcome{
		Success: true,
		Intent:  IntentProvidePin,
		Action:  ActionComplete,
		Text: fmt.Sprintf("Transfer successful! %s naira sent to %s. Your new balance is %s naira.",
			formatNaira(pending.Amount), pending.RecipientName, formatNaira(confirmed.NewBalance)),
		Data: map[string]any{
			"transaction_ref": confirmed.TransactionRef,
			"new_balance":     confirmed.NewBalance,
			"amount":          pending.Amount,
			"fee":             pending.Fee,
			"recipient_name":  pending.RecipientName,
		},
	}, nil
}

func (o *Orchestrator) handleCancel(ctx context.Context, t *turnContext) (*Outcome, error) {
	hadTransfer := t.sess.Pending != nil || len(t.sess.Candidates) > 0 || t.sess.State != session.StateIdle
	o.cancelPending(ctx, t, "cancelled by user")
	t.sess.ClearTransfer()
	t.sess.State = session.StateCancelled

	text := "Okay. How else can I help you?"
	if hadTransfer {
		text = "Transfer cancelled. How else can I help you?"
	}
	return &Outcome{Success: true, Intent: IntentCancel, Action: ActionCancelled, Text: text}, nil
}

func (o *Orchestrator) handleStartOver(ctx context.Context, t *turnContext) (*Outcome, error) {
	o.cancelPending(ctx, t, "start over")
	fresh := session.New(t.sess.ID, t.sess.AccountNumber, t.sess.InstitutionID, o.now())
	fresh.LastTranscript = t.sess.LastTranscript
	fresh.LastIntent = string(IntentStartOver)
	*t.sess = *fresh

	balanceText := ""
	data := map[string]any{}
	if gw, err := o.gateways.ForInstitution(ctx, t.sess.InstitutionID); err == nil {
		if balance, err := gw.GetBalance(ctx, t.sess.AccountNumber, t.turn.Token); err == nil {
			balanceText = fmt.Sprintf(" Your balance is %s naira.", formatNaira(balance))
			data["balance"] = balance
		} else {
			log.Printf("[ORCHESTRATOR] Balance lookup for start over failed: %v", err)
		}
	}

	return &Outcome{
		Success: true,
		Intent:  IntentStartOver,
		Action:  ActionWelcome,
		Text:    fmt.Sprintf("Okay, let's start over.%s What would you like to do? You can check your balance, send money, or manage recipients.", balanceText),
		Data:    data,
	}, nil
}

// cancelPending cancels an in-flight transfer at the bank and in the ledger.
// A bank-side failure is logged and the local record is still cancelled.
func (o *Orchestrator) cancelPending(ctx context.Context, t *turnContext, reason string) {
	pending := t.sess.Pending
	if pending == nil {
		t.sess.ClearTransfer()
		return
	}

	if gw, err := o.gateways.ForInstitution(ctx, t.sess.InstitutionID); err != nil {
		log.Printf("[ORCHESTRATOR] Cannot reach gateway to cancel %s: %v", pending.TransferID, err)
	} else if err := gw.CancelTransfer(ctx, pending.TransferID, t.turn.Token); err != nil {
		log.Printf("[ORCHESTRATOR] Gateway cancel failed for %s: %v", pending.TransferID, err)
	}

	if _, err := o.transfers.Cancel(ctx, pending.Reference, reason); err != nil {
		log.Printf("[ORCHESTRATOR] Failed to cancel transfer record %s: %v", pending.Reference, err)
	} else {
		o.emitPending(ctx, t.sess, pending, models.TransferStatusCancelled, "", reason)
	}
	t.sess.ClearTransfer()
}

// readOnly answers balance, recipient and history questions without
// touching the conversation state
func (o *Orchestrator) readOnly(ctx context.Context, t *turnContext) (*Outcome, bool) {
	intent := t.classification.Intent
	if intent != IntentCheckBalance && intent != IntentViewRecipients && intent != IntentViewTransactions {
		return nil, false
	}
	sess := t.sess

	gw, err := o.gateways.ForInstitution(ctx, sess.InstitutionID)
	if err != nil {
		return o.upstreamFailure(t, "gateway", err, "Sorry, I can't reach your bank right now. Please try again later."), true
	}

	switch intent {
	case IntentCheckBalance:
		balance, err := gw.GetBalance(ctx, sess.AccountNumber, t.turn.Token)
		if err != nil {
			return o.upstreamFailure(t, "get_balance", err, "Sorry, I couldn't check your balance. Please try again."), true
		}
		return &Outcome{
			Success: true,
			Action:  ActionShowBalance,
			Text:    fmt.Sprintf("Your account balance is %s naira.", formatNaira(balance)),
			Data:    map[string]any{"balance": balance},
		}, true

	case IntentViewRecipients:
		recipients, err := gw.GetRecipients(ctx, sess.AccountNumber, t.turn.Token)
		if err != nil {
			return o.upstreamFailure(t, "get_recipients", err, "I couldn't access your recipients. Please try again."), true
		}
		o.banks.Enrich(recipients)
		text := "You don't have any saved recipients yet."
		if len(recipients) > 0 {
			text = fmt.Sprintf("You have %d saved recipients: %s.", len(recipients), joinNames(recipientNames(recipients)))
		}
		return &Outcome{
			Success: true,
			Action:  ActionShowRecipients,
			Text:    text,
			Data:    map[string]any{"recipients": recipients},
		}, true
	}

	txns, err := gw.GetTransactions(ctx, sess.AccountNumber, t.turn.Token)
	if err != nil {
		return o.upstreamFailure(t, "get_transactions", err, "I couldn't fetch your transactions. Please try again."), true
	}
	if len(txns) > recentTransactionLimit {
		txns = txns[:recentTransactionLimit]
	}
	text := "You have no recent transactions."
	if len(txns) > 0 {
		parts := make([]string, 0, len(txns))
		for _, tx := range txns {
			part := formatNaira(tx.Amount) + " naira"
			if tx.Narration != "" {
				part += " for " + tx.Narration
			}
			parts = append(parts, part)
		}
		text = "Your recent transactions are: " + strings.Join(parts, "; ") + "."
	}
	return &Outcome{
		Success: true,
		Action:  ActionShowHistory,
		Text:    text,
		Data:    map[string]any{"transactions": txns},
	}, true
}

func (o *Orchestrator) upstreamFailure(t *turnContext, op string, err error, text string) *Outcome {
	log.Printf("[ORCHESTRATOR] %s failed for session %s: %v", op, t.sess.ID, err)
	return &Outcome{
		Success: false,
		Action:  ActionRetryLater,
		Text:    text,
		Error:   "upstream_unavailable",
	}
}

func (o *Orchestrator) emit(ctx context.Context, t *models.Transfer, status models.TransferStatus, ref, reason string) {
	event := eventFor(*t, status, reason)
	event.TransactionRef = ref
	o.events.Emit(ctx, event)
}

func eventFor(t models.Transfer, status models.TransferStatus, reason string) events.TransferEvent {
	return events.TransferEvent{
		TransferID:       t.ID,
		InstitutionID:    t.InstitutionID,
		AccountNumber:    t.AccountNumber,
		RecipientName:    t.RecipientName,
		RecipientAccount: t.RecipientAccount,
		Amount:           t.Amount,
		Fee:              t.Fee,
		Status:           status,
		Reason:           reason,
	}
}

func (o *Orchestrator) emitPending(ctx context.Context, sess *session.Session, p *session.PendingTransfer, status models.TransferStatus, ref, reason string) {
	o.emit(ctx, &models.Transfer{
		ID:               p.Reference,
		InstitutionID:    sess.InstitutionID,
		AccountNumber:    sess.AccountNumber,
		RecipientName:    p.RecipientName,
		RecipientAccount: p.RecipientAccount,
		Amount:           p.Amount,
		Fee:              p.Fee,
	}, status, ref, reason)
}

// matchRecipients prefers exact case-insensitive name matches and falls back
// to substring matches in either direction
func matchRecipients(recipients []models.Recipient, query string) []models.Recipient {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var exact, partial []models.Recipient
	for _, r := range recipients {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		switch {
		case name == q:
			exact = append(exact, r)
		case strings.Contains(name, q) || strings.Contains(q, name):
			partial = append(partial, r)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

func recipientNames(recipients []models.Recipient) []string {
	names := make([]string, 0, len(recipients))
	for _, r := range recipients {
		names = append(names, r.Name)
	}
	return names
}

func pendingData(p *session.PendingTransfer) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"transfer_id":       p.TransferID,
		"reference":         p.Reference,
		"recipient_name":    p.RecipientName,
		"recipient_account": p.RecipientAccount,
		"bank_code":         p.BankCode,
		"amount":            p.Amount,
		"fee":               p.Fee,
		"total":             p.Total,
	}
}

// truncate caps s at n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
