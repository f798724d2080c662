package models

import (
	"time"
)

// TransferStateEntry is one row of the append-only transfer audit trail
type TransferStateEntry struct {
	ID         int            `json:"id" db:"id"`
	TransferID string         `json:"transfer_id" db:"transfer_id"`
	FromStatus TransferStatus `json:"from_status" db:"from_status"`
	ToStatus   TransferStatus `json:"to_status" db:"to_status"`
	Reason     string         `json:"reason" db:"reason"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
