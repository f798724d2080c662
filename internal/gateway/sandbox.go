package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

// SandboxFee is the demo bank's fee schedule: 10 NGN below 5000, 25 otherwise
func SandboxFee(amount decimal.Decimal) decimal.Decimal {
	if amount.LessThan(decimal.NewFromInt(5000)) {
		return decimal.NewFromInt(10)
	}
	return decimal.NewFromInt(25)
}

type sandboxAccount struct {
	balance    decimal.Decimal
	recipients []models.Recipient
	history    []map[string]any
}

type sandboxTransfer struct {
	id        string
	from      string
	to        string
	amount    decimal.Decimal
	fee       decimal.Decimal
	status    string
	reference string
}

// Sandbox is an in-memory institution API used for local runs and tests.
// Its JSON shapes differ from the canonical ones on purpose so the mapping
// defaults are exercised.
type Sandbox struct {
	mu        sync.Mutex
	accounts  map[string]*sandboxAccount
	transfers map[string]*sandboxTransfer
	failures  []int
	calls     map[string]int
	router    chi.Router
}

func NewSandbox() *Sandbox {
	s := &Sandbox{
		accounts:  make(map[string]*sandboxAccount),
		transfers: make(map[string]*sandboxTransfer),
		calls:     make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/accounts/{account_number}/balance", s.balance)
	r.Get("/accounts/{account_number}/beneficiaries", s.beneficiaries)
	r.Get("/accounts/{account_number}/transactions", s.transactions)
	r.Post("/transfers/initiate", s.initiate)
	r.Post("/transfers/{transfer_id}/confirm", s.confirm)
	r.Post("/transfers/{transfer_id}/cancel", s.cancel)
	s.router = r
	return s
}

// SandboxEndpoints is the endpoint configuration matching the sandbox routes
func SandboxEndpoints(institutionID, baseURL string) models.InstitutionEndpoints {
	return models.InstitutionEndpoints{
		InstitutionID:        institutionID,
		BaseURL:              baseURL,
		AuthType:             models.AuthTypeBearer,
		BalancePath:          "/accounts/{account_number}/balance",
		RecipientsPath:       "/accounts/{account_number}/beneficiaries",
		InitiateTransferPath: "/transfers/initiate",
		ConfirmTransferPath:  "/transfers/{transfer_id}/confirm",
		CancelTransferPath:   "/transfers/{transfer_id}/cancel",
		TransactionsPath:     "/accounts/{account_number}/transactions",
	}
}

// AddAccount registers an account with its saved beneficiaries
func (s *Sandbox) AddAccount(number string, balance decimal.Decimal, recipients ...models.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[number] = &sandboxAccount{balance: balance, recipients: recipients}
}

// Balance returns the current balance of an account
func (s *Sandbox) Balance(number string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[number]; ok {
		return acct.balance
	}
	return decimal.Zero
}

// FailNext makes the next len(statuses) requests answer with those statuses
func (s *Sandbox) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Calls reports how many requests reached the named operation
func (s *Sandbox) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

// TransferStatus reports the sandbox-side status of a transfer
func (s *Sandbox) TransferStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[id]; ok {
		return t.status
	}
	return ""
}

func (s *Sandbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Sandbox) record(w http.ResponseWriter, operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[operation]++
	if len(s.failures) == 0 {
		return false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	writeSandboxJSON(w, status, map[string]any{"error": http.StatusText(status)})
	return true
}

func (s *Sandbox) balance(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "balance") {
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[chi.URLParam(r, "account_number")]
	var balance decimal.Decimal
	if ok {
		balance = acct.balance
	}
	s.mu.Unlock()

	if !ok {
		writeSandboxJSON(w, http.StatusNotFound, map[string]any{"error": "account not found"})
		return
	}
	writeSandboxJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"balance": json.Number(balance.StringFixed(2)), "currency": "NGN"},
	})
}

func (s *Sandbox) beneficiaries(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "recipients") {
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[chi.URLParam(r, "account_number")]
	var list []map[string]any
	if ok {
		for _, rec := range acct.recipients {
			list = append(list, map[string]any{
				"name":           rec.Name,
				"account_number": rec.AccountNumber,
				"bank_code":      rec.BankCode,
			})
		}
	}
	s.mu.Unlock()

	if !ok {
		writeSandboxJSON(w, http.StatusNotFound, map[string]any{"error": "account not found"})
		return
	}
	if list == nil {
		list = []map[string]any{}
	}
	writeSandboxJSON(w, http.StatusOK, map[string]any{"beneficiaries": list})
}

func (s *Sandbox) transactions(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "transactions") {
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[chi.URLParam(r, "account_number")]
	history := []map[string]any{}
	if ok {
		history = append(history, acct.history...)
	}
	s.mu.Unlock()

	writeSandboxJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"transactions": history}})
}

func (s *Sandbox) initiate(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "initiate_transfer") {
		return
	}

	var req struct {
		SenderAccount    string          `json:"sender_account"`
		RecipientAccount string          `json:"recipient_account"`
		BankCode         string          `json:"bank_code"`
		Amount           decimal.Decimal `json:"amount"`
		Narration        string          `json:"narration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSandboxJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.SenderAccount]
	if !ok {
		writeSandboxJSON(w, http.StatusNotFound, map[string]any{"error": "account not found"})
		return
	}
	if !req.Amount.IsPositive() {
		writeSandboxJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "amount must be positive"})
		return
	}

	fee := SandboxFee(req.Amount)
	if acct.balance.LessThan(req.Amount.Add(fee)) {
		writeSandboxJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "insufficient funds"})
		return
	}

	t := &sandboxTransfer{
		id:     "TRF" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		from:   req.SenderAccount,
		to:     req.RecipientAccount,
		amount: req.Amount,
		fee:    fee,
		status: "pending",
	}
	s.transfers[t.id] = t

	writeSandboxJSON(w, http.StatusOK, map[string]any{
		"transaction_id": t.id,
		"fee":            json.Number(fee.StringFixed(2)),
		"total":          json.Number(req.Amount.Add(fee).StringFixed(2)),
	})
}

func (s *Sandbox) confirm(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "confirm_transfer") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[chi.URLParam(r, "transfer_id")]
	if !ok {
		writeSandboxJSON(w, http.StatusNotFound, map[string]any{"error": "transfer not found"})
		return
	}
	acct := s.accounts[t.from]

	switch t.status {
	case "completed":
		// replayed confirmation: answer with the original outcome
		writeSandboxJSON(w, http.StatusOK, map[string]any{
			"reference":   t.reference,
			"new_balance": json.Number(acct.balance.StringFixed(2)),
		})
		return
	case "cancelled":
		writeSandboxJSON(w, http.StatusConflict, map[string]any{"error": "transfer cancelled"})
		return
	}

	total := t.amount.Add(t.fee)
	if acct.balance.LessThan(total) {
		writeSandboxJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "insufficient funds"})
		return
	}

	acct.balance = acct.balance.Sub(total)
	t.status = "completed"
	t.reference = fmt.Sprintf("REF%d", time.Now().UnixNano())
	acct.history = append(acct.history, map[string]any{
		"reference": t.reference,
		"amount":    json.Number(t.amount.StringFixed(2)),
		"type":      "debit",
		"narration": "Transfer to " + t.to,
		"date":      time.Now().UTC().Format(time.RFC3339),
	})

	writeSandboxJSON(w, http.StatusOK, map[string]any{
		"reference":   t.reference,
		"new_balance": json.Number(acct.balance.StringFixed(2)),
	})
}

func (s *Sandbox) cancel(w http.ResponseWriter, r *http.Request) {
	if s.record(w, "cancel_transfer") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[chi.URLParam(r, "transfer_id")]
	if !ok {
		writeSandboxJSON(w, http.StatusNotFound, map[string]any{"error": "transfer not found"})
		return
	}
	if t.status == "completed" {
		writeSandboxJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "transfer already completed"})
		return
	}
	t.status = "cancelled"
	writeSandboxJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeSandboxJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
