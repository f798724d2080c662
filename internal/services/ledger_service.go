package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid transfer status transition")
	ErrTransferNotFound  = errors.New("transfer not found")
)

// TransferLedger keeps the local record of voice transfers. Every status
// change is guarded on the previous status and appended to transfer_states.
type TransferLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewTransferLedger(db *sql.DB) *TransferLedger {
	return &TransferLedger{db: db, now: time.Now}
}

// Create records a new transfer in pending_pin
func (l *TransferLedger) Create(ctx context.Context, t *models.Transfer) error {
	now := l.now()
	t.Status = models.TransferStatusPendingPin
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO voice_transfers (id, institution_id, account_number, session_id, gateway_transfer_id,
			recipient_name, recipient_account, bank_code, amount, fee, total, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		t.ID, t.InstitutionID, t.AccountNumber, t.SessionID, t.GatewayTransferID,
		t.RecipientName, t.RecipientAccount, t.BankCode,
		t.Amount.StringFixed(2), t.Fee.StringFixed(2), t.Total.StringFixed(2),
		string(t.Status), t.Metadata, now)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	if err := l.appendTransferState(ctx, tx, t.ID, "", t.Status, "initiated"); err != nil {
		return err
	}

	return tx.Commit()
}

// Transition moves a transfer from one status to the next. It fails with
// ErrInvalidTransition when the record is no longer in from, so a second
// replica cannot complete the same transfer twice.
func (l *TransferLedger) Transition(ctx context.Context, id string, from, to models.TransferStatus, reason, transactionRef string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := l.now()
	var completedAt *time.Time
	if to == models.TransferStatusCompleted {
		completedAt = &now
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE voice_transfers
		SET status = $1, updated_at = $2, transaction_ref = COALESCE(NULLIF($3, ''), transaction_ref),
			completed_at = COALESCE($4, completed_at)
		WHERE id = $5 AND status = $6`,
		string(to), now, transactionRef, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: transfer %s is not %s", ErrInvalidTransition, id, from)
	}

	if err := l.appendTransferState(ctx, tx, id, from, to, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[LEDGER] Transfer %s: %s -> %s (%s)", id, from, to, reason)
	return nil
}

// Cancel marks a pending transfer cancelled and returns the status it had
func (l *TransferLedger) Cancel(ctx context.Context, id, reason string) (models.TransferStatus, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM voice_transfers WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrTransferNotFound
	}
	if err != nil {
		return "", err
	}

	from := models.TransferStatus(current)
	if !from.Cancellable() {
		return from, fmt.Errorf("%w: transfer %s is %s", ErrInvalidTransition, id, from)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE voice_transfers SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.TransferStatusCancelled), l.now(), id)
	if err != nil {
		return from, fmt.Errorf("failed to cancel transfer %s: %w", id, err)
	}

	if err := l.appendTransferState(ctx, tx, id, from, models.TransferStatusCancelled, reason); err != nil {
		return from, err
	}

	if err := tx.Commit(); err != nil {
		return from, err
	}

	log.Printf("[LEDGER] Transfer %s cancelled from %s (%s)", id, from, reason)
	return from, nil
}

// SumCompletedSince totals completed transfer amounts for an account from since onwards
func (l *TransferLedger) SumCompletedSince(ctx context.Context, institutionID, account string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM voice_transfers
		WHERE institution_id = $1 AND account_number = $2 AND status = $3 AND completed_at >= $4`,
		institutionID, account, string(models.TransferStatusCompleted), since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum completed transfers: %w", err)
	}
	return decimal.NewFromString(total)
}

// ListStalePending returns transfers still pending that were created before cutoff
func (l *TransferLedger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Transfer, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, institution_id, account_number, gateway_transfer_id, status, created_at
		FROM voice_transfers
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4`,
		string(models.TransferStatusPendingPin), string(models.TransferStatusPendingConfirmation), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transfers: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		var status string
		if err := rows.Scan(&t.ID, &t.InstitutionID, &t.AccountNumber, &t.GatewayTransferID, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = models.TransferStatus(status)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (l *TransferLedger) Get(ctx context.Context, id string) (*models.Transfer, error) {
	var t models.Transfer
	var status, amount, fee, total string
	var ref sql.NullString
	var completedAt sql.NullTime

	err := l.db.QueryRowContext(ctx, `
		SELECT id, institution_id, account_number, session_id, gateway_transfer_id, recipient_name,
			recipient_account, bank_code, amount::text, fee::text, total::text, status, transaction_ref,
			metadata, created_at, updated_at, completed_at
		FROM voice_transfers WHERE id = $1`, id).Scan(
		&t.ID, &t.InstitutionID, &t.AccountNumber, &t.SessionID, &t.GatewayTransferID, &t.RecipientName,
		&t.RecipientAccount, &t.BankCode, &amount, &fee, &total, &status, &ref,
		&t.Metadata, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Status = models.TransferStatus(status)
	t.TransactionRef = ref.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if t.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	return &t, nil
}

func (l *TransferLedger) appendTransferState(ctx context.Context, tx *sql.Tx, transferID string, from, to models.TransferStatus, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_states (transfer_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		transferID, string(from), string(to), reason, l.now())
	return err
}
