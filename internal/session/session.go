// Package session holds per-conversation state for voice turns and the stores
// and locks that keep it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrMalformedSession = errors.New("malformed session data")
)

// State is the conversational state of a session
type State string

const (
	StateIdle                       State = "IDLE"
	StateAwaitingTransferDetails    State = "AWAITING_TRANSFER_DETAILS"
	StateAwaitingRecipientSelection State = "AWAITING_RECIPIENT_SELECTION"
	StateAwaitingConfirmation       State = "AWAITING_CONFIRMATION"
	StateAwaitingPin                State = "AWAITING_PIN"
	StateComplete                   State = "COMPLETE"
	StateCancelled                  State = "CANCELLED"
)

// Valid reports whether s is one of the known states
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingTransferDetails, StateAwaitingRecipientSelection,
		StateAwaitingConfirmation, StateAwaitingPin, StateComplete, StateCancelled:
		return true
	}
	return false
}

// Terminal states end the conversation; the session is removed afterwards
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// Entities are the transfer details gathered so far
type Entities struct {
	RecipientName string           `json:"recipient_name,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

// PendingTransfer is a transfer initiated at the gateway and awaiting PIN
type PendingTransfer struct {
	TransferID       string          `json:"transfer_id"`
	Reference        string          `json:"reference"`
	RecipientName    string          `json:"recipient_name"`
	RecipientAccount string          `json:"recipient_account"`
	BankCode         string          `json:"bank_code"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Session is the state carried between turns of one conversation
type Session struct {
	ID               string             `json:"id"`
	AccountNumber    string             `json:"account_number"`
	InstitutionID    string             `json:"institution_id"`
	State            State              `json:"state"`
	LastTranscript   string             `json:"last_transcript,omitempty"`
	LastIntent       string             `json:"last_intent,omitempty"`
	LastResponseText string             `json:"last_response_text,omitempty"`
	Entities         Entities           `json:"entities"`
	Pending          *PendingTransfer   `json:"pending_transfer,omitempty"`
	Candidates       []models.Recipient `json:"candidates,omitempty"`
	PendingAmount    *decimal.Decimal   `json:"pending_amount,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
}

// New returns an idle session
func New(id, accountNumber, institutionID string, now time.Time) *Session {
	return &Session{
		ID:            id,
		AccountNumber: accountNumber,
		InstitutionID: institutionID,
		State:         StateIdle,
		CreatedAt:     now,
	}
}

// ClearTransfer drops everything tied to an in-flight transfer
func (s *Session) ClearTransfer() {
	s.Pending = nil
	s.Candidates = nil
	s.PendingAmount = nil
	s.Entities = Entities{}
}

func encode(s *Session) ([]byte, error) {
	if !s.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrMalformedSession, s.State)
	}
	return json.Marshal(s)
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	if s.ID == "" || !s.State.Valid() {
		return nil, fmt.Errorf("%w: missing id or unknown state", ErrMalformedSession)
	}
	if s.State == StateAwaitingConfirmation || s.State == StateAwaitingPin {
		if s.Pending == nil {
			return nil, fmt.Errorf("%w: %s without pending transfer", ErrMalformedSession, s.State)
		}
	}
	return &s, nil
}
