package models

// Recipient is a saved beneficiary as returned by an institution
type Recipient struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name,omitempty"`
}
