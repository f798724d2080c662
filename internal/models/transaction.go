package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a voice-initiated transfer
type TransferStatus string

const (
	TransferStatusPendingPin          TransferStatus = "pending_pin"
	TransferStatusPendingConfirmation TransferStatus = "pending_confirmation"
	TransferStatusCompleted           TransferStatus = "completed"
	TransferStatusFailed              TransferStatus = "failed"
	TransferStatusCancelled           TransferStatus = "cancelled"
)

var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusPendingPin: {
		TransferStatusPendingConfirmation,
		TransferStatusFailed,
		TransferStatusCancelled,
	},
	TransferStatusPendingConfirmation: {
		TransferStatusCompleted,
		TransferStatusFailed,
		TransferStatusCancelled,
	},
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether a transfer in this state may still be cancelled
func (s TransferStatus) Cancellable() bool {
	return s == TransferStatusPendingPin || s == TransferStatusPendingConfirmation
}

// Terminal reports whether no further transitions are possible
func (s TransferStatus) Terminal() bool {
	return len(transferTransitions[s]) == 0
}

// Transfer is the local record of a transfer started through the voice channel
type Transfer struct {
	ID                string          `json:"id" db:"id"`
	InstitutionID     string          `json:"institution_id" db:"institution_id"`
	AccountNumber     string          `json:"account_number" db:"account_number"`
	SessionID         string          `json:"session_id" db:"session_id"`
	GatewayTransferID string          `json:"gateway_transfer_id" db:"gateway_transfer_id"`
	RecipientName     string          `json:"recipient_name" db:"recipient_name"`
	RecipientAccount  string          `json:"recipient_account" db:"recipient_account"`
	BankCode          string          `json:"bank_code" db:"bank_code"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Fee               decimal.Decimal `json:"fee" db:"fee"`
	Total             decimal.Decimal `json:"total" db:"total"`
	Status            TransferStatus  `json:"status" db:"status"`
	TransactionRef    string          `json:"transaction_ref,omitempty" db:"transaction_ref"`
	Metadata          Metadata        `json:"metadata" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
