package hsm

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// AuditKind classifies audit lines so they can be filtered downstream
type AuditKind string

const (
	AuditPin       AuditKind = "PIN"
	AuditTransfer  AuditKind = "TRANSFER"
	AuditFailure   AuditKind = "FAILURE"
	AuditOperation AuditKind = "OPERATION"
)

// AuditEvent is one line of the audit trail. PINs, tokens and credentials
// never appear in it.
type AuditEvent struct {
	At            time.Time      `json:"at"`
	Kind          AuditKind      `json:"kind"`
	Action        string         `json:"action"`
	InstitutionID string         `json:"institution_id,omitempty"`
	Account       string         `json:"account,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	Amount        string         `json:"amount,omitempty"`
	Outcome       string         `json:"outcome"`
	Fields        map[string]any `json:"fields,omitempty"`
}

type AuditLogger struct {
	logf func(format string, v ...any)
	now  func() time.Time
}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{logf: log.Printf, now: time.Now}
}

// LogPinEvent records a PIN check outcome for an account
func (a *AuditLogger) LogPinEvent(institutionID, account, outcome string, attemptsRemaining int, lockedUntil *time.Time) {
	fields := map[string]any{"attempts_remaining": attemptsRemaining}
	if lockedUntil != nil {
		fields["locked_until"] = lockedUntil.UTC().Format(time.RFC3339)
	}
	a.write(AuditEvent{
		Kind:          AuditPin,
		Action:        "verify",
		InstitutionID: institutionID,
		Account:       account,
		Outcome:       outcome,
		Fields:        fields,
	})
}

func (a *AuditLogger) LogTransfer(institutionID, reference, fromAccount, toAccount string, amount decimal.Decimal, outcome string) {
	a.write(AuditEvent{
		Kind:          AuditTransfer,
		Action:        "confirm",
		InstitutionID: institutionID,
		Account:       fromAccount,
		Reference:     reference,
		Amount:        amount.StringFixed(2),
		Outcome:       outcome,
		Fields:        map[string]any{"recipient_account": toAccount},
	})
}

func (a *AuditLogger) LogError(institutionID, reference, account string, err error) {
	a.write(AuditEvent{
		Kind:          AuditFailure,
		Action:        "error",
		InstitutionID: institutionID,
		Account:       account,
		Reference:     reference,
		Outcome:       "FAILED",
		Fields:        map[string]any{"error": err.Error()},
	})
}

// LogOperation records administrative actions such as PIN enrollment
func (a *AuditLogger) LogOperation(institutionID, account, action, detail string) {
	a.write(AuditEvent{
		Kind:          AuditOperation,
		Action:        action,
		InstitutionID: institutionID,
		Account:       account,
		Outcome:       "SUCCESS",
		Fields:        map[string]any{"detail": detail},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	now, logf := a.now, a.logf
	if now == nil {
		now = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	event.At = now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		logf("[AUDIT] unencodable %s event: %v", event.Kind, err)
		return
	}
	logf("[AUDIT] %s", data)
}
