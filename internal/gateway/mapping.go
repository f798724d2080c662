package gateway

import (
	"fmt"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

var (
	defaultBalancePaths      = PathSet{"balance", "data.balance", "account.balance"}
	defaultRecipientsPaths   = PathSet{"", "recipients", "beneficiaries", "data", "data.recipients"}
	defaultRecipientName     = PathSet{"name", "account_name", "beneficiary_name"}
	defaultRecipientAccount  = PathSet{"account_number", "accountNumber", "account_no"}
	defaultRecipientBankCode = PathSet{"bank_code", "bankCode"}
	defaultTransferIDPaths   = PathSet{"transfer_id", "transaction_id", "data.transfer_id", "data.transaction_id"}
	defaultFeePaths          = PathSet{"fee", "data.fee"}
	defaultTotalPaths        = PathSet{"total", "data.total"}
	defaultReferencePaths    = PathSet{"transaction_ref", "reference", "data.transaction_ref", "data.reference"}
	defaultNewBalancePaths   = PathSet{"new_balance", "balance", "data.new_balance", "data.balance"}
	defaultTransactionsPaths = PathSet{"", "transactions", "data", "data.transactions"}
)

// InitiateResult is the canonical answer to initiate_transfer
type InitiateResult struct {
	TransferID string          `json:"transfer_id"`
	Fee        decimal.Decimal `json:"fee"`
	Total      decimal.Decimal `json:"total"`
}

// ConfirmResult is the canonical answer to confirm_transfer
type ConfirmResult struct {
	TransactionRef string          `json:"transaction_ref"`
	NewBalance     decimal.Decimal `json:"new_balance"`
}

// Transaction is a canonical history entry
type Transaction struct {
	Reference string          `json:"reference,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type,omitempty"`
	Narration string          `json:"narration,omitempty"`
	Date      string          `json:"date,omitempty"`
}

// Mapper turns institution-specific JSON into canonical values
type Mapper struct {
	balance          PathSet
	recipients       PathSet
	recipientName    PathSet
	recipientAccount PathSet
	recipientBank    PathSet
	transferID       PathSet
	fee              PathSet
	total            PathSet
	reference        PathSet
	newBalance       PathSet
	transactions     PathSet
}

func NewMapper(m models.ResponseMapping) *Mapper {
	return &Mapper{
		balance:          defaultBalancePaths.withOverride(m.Balance),
		recipients:       defaultRecipientsPaths.withOverride(m.Recipients),
		recipientName:    defaultRecipientName.withOverride(m.RecipientName),
		recipientAccount: defaultRecipientAccount.withOverride(m.RecipientAcct),
		recipientBank:    defaultRecipientBankCode.withOverride(m.RecipientBank),
		transferID:       defaultTransferIDPaths.withOverride(m.TransferID),
		fee:              defaultFeePaths.withOverride(m.Fee),
		total:            defaultTotalPaths.withOverride(m.Total),
		reference:        defaultReferencePaths.withOverride(m.TransactionRef),
		newBalance:       defaultNewBalancePaths.withOverride(m.NewBalance),
		transactions:     defaultTransactionsPaths.withOverride(m.Transactions),
	}
}

func (m *Mapper) Balance(doc any) (decimal.Decimal, error) {
	return m.balance.Decimal(doc, "balance")
}

// Recipients requires a name and account number on every entry; the bank
// code may be absent for same-bank beneficiaries.
func (m *Mapper) Recipients(doc any) ([]models.Recipient, error) {
	items, err := m.recipients.List(doc, "recipients")
	if err != nil {
		return nil, err
	}

	recipients := make([]models.Recipient, 0, len(items))
	for i, item := range items {
		name, err := m.recipientName.Text(item, "recipient name")
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		account, err := m.recipientAccount.Text(item, "recipient account")
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		bankCode, _ := m.recipientBank.Text(item, "recipient bank code")

		recipients = append(recipients, models.Recipient{
			Name:          name,
			AccountNumber: account,
			BankCode:      bankCode,
		})
	}
	return recipients, nil
}

func (m *Mapper) Initiation(doc any) (*InitiateResult, error) {
	id, err := m.transferID.Text(doc, "transfer_id")
	if err != nil {
		return nil, err
	}
	fee, err := m.fee.Decimal(doc, "fee")
	if err != nil {
		return nil, err
	}
	total, err := m.total.Decimal(doc, "total")
	if err != nil {
		return nil, err
	}
	return &InitiateResult{TransferID: id, Fee: fee, Total: total}, nil
}

func (m *Mapper) Confirmation(doc any) (*ConfirmResult, error) {
	ref, err := m.reference.Text(doc, "transaction_ref")
	if err != nil {
		return nil, err
	}
	balance, err := m.newBalance.Decimal(doc, "new_balance")
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{TransactionRef: ref, NewBalance: balance}, nil
}

func (m *Mapper) Transactions(doc any) ([]Transaction, error) {
	items, err := m.transactions.List(doc, "transactions")
	if err != nil {
		return nil, err
	}

	txns := make([]Transaction, 0, len(items))
	for i, item := range items {
		amount, err := PathSet{"amount"}.Decimal(item, "amount")
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		ref, _ := PathSet{"reference", "transaction_ref", "id"}.Text(item, "reference")
		kind, _ := PathSet{"type", "direction"}.Text(item, "type")
		narration, _ := PathSet{"narration", "description"}.Text(item, "narration")
		date, _ := PathSet{"date", "created_at", "timestamp"}.Text(item, "date")

		txns = append(txns, Transaction{
			Reference: ref,
			Amount:    amount,
			Type:      kind,
			Narration: narration,
			Date:      date,
		})
	}
	return txns, nil
}
