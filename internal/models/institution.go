package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Institution is a bank integrating the voice transfer API
type Institution struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Email         string    `json:"email" db:"email"`
	ContactPerson string    `json:"contact_person" db:"contact_person"`
	Phone         string    `json:"phone" db:"phone"`
	APIKeyPrefix  string    `json:"api_key_prefix" db:"api_key_prefix"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Auth types supported for outbound gateway calls
const (
	AuthTypeBearer = "bearer"
	AuthTypeAPIKey = "api_key"
	AuthTypeNone   = "none"
)

// InstitutionEndpoints describes how to reach an institution's banking API
type InstitutionEndpoints struct {
	InstitutionID        string          `json:"institution_id" db:"institution_id"`
	BaseURL              string          `json:"base_url" db:"base_url" validate:"required,url"`
	AuthType             string          `json:"auth_type" db:"auth_type" validate:"omitempty,oneof=bearer api_key none"`
	AuthHeaderName       string          `json:"auth_header_name" db:"auth_header_name"`
	Credential           string          `json:"credential,omitempty" db:"credential"`
	BalancePath          string          `json:"balance_path" db:"balance_path" validate:"required"`
	RecipientsPath       string          `json:"recipients_path" db:"recipients_path" validate:"required"`
	InitiateTransferPath string          `json:"initiate_transfer_path" db:"initiate_transfer_path" validate:"required"`
	ConfirmTransferPath  string          `json:"confirm_transfer_path" db:"confirm_transfer_path" validate:"required"`
	CancelTransferPath   string          `json:"cancel_transfer_path,omitempty" db:"cancel_transfer_path"`
	TransactionsPath     string          `json:"transactions_path,omitempty" db:"transactions_path"`
	Headers              Headers         `json:"headers,omitempty" db:"headers"`
	ResponseMapping      ResponseMapping `json:"response_mapping,omitempty" db:"response_mapping"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// ResponseMapping lists dotted field paths into an institution's JSON responses.
// Empty entries fall back to the common shapes.
type ResponseMapping struct {
	Balance        string `json:"balance,omitempty"`
	Recipients     string `json:"recipients,omitempty"`
	RecipientName  string `json:"recipient_name,omitempty"`
	RecipientAcct  string `json:"recipient_account,omitempty"`
	RecipientBank  string `json:"recipient_bank_code,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	Fee            string `json:"fee,omitempty"`
	Total          string `json:"total,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	NewBalance     string `json:"new_balance,omitempty"`
	Transactions   string `json:"transactions,omitempty"`
}

// Value implements driver.Valuer for ResponseMapping
func (m ResponseMapping) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for ResponseMapping
func (m *ResponseMapping) Scan(value any) error {
	if value == nil {
		*m = ResponseMapping{}
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// Headers holds extra static headers an institution requires
type Headers map[string]string

// Value implements driver.Valuer for Headers
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for Headers
func (h *Headers) Scan(value any) error {
	if value == nil {
		*h = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, h)
}
