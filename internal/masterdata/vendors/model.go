// Package vendors manages supplier master records for the procurement
// workflow. Purchase intents, orders, receipts and payments all reference a
// vendor by id.
package vendors

import "time"

type Vendor struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Address      string        `json:"address"`
	Email        string        `json:"email"`
	Phone        string        `json:"phone"`
	TaxNumber    string        `json:"tax_number"`
	PaymentTerms string        `json:"payment_terms"`
	IsActive     bool          `json:"is_active"`
	BankAccounts []BankAccount `json:"bank_accounts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type BankAccount struct {
	ID            int64  `json:"id"`
	VendorID      int64  `json:"vendor_id"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BranchCode    string `json:"branch_code"`
}
