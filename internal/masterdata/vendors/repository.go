package vendors

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-erp/keystone-erp/internal/shared"
)

type Repository interface {
	List(ctx context.Context, filters shared.ListFilters) ([]Vendor, int, error)
	Get(ctx context.Context, id int64) (Vendor, error)
	Create(ctx context.Context, vendor Vendor) (Vendor, error)
	Update(ctx context.Context, id int64, vendor Vendor) error
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) List(ctx context.Context, filters shared.ListFilters) ([]Vendor, int, error) {
	query := `SELECT id, name, address, email, phone, tax_number, payment_terms, is_active, created_at, updated_at FROM vendors WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		query += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR email ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}

	countQuery := `SELECT COUNT(*) FROM vendors WHERE 1=1`
	countArgs := []any{}
	if filters.Search != "" {
		countQuery += ` AND (name ILIKE $1 OR email ILIKE $1)`
		countArgs = append(countArgs, "%"+filters.Search+"%")
	}

	var total int
	if err := r.db.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY ` + sortOrder(filters.SortBy, filters.SortDir)

	argCount++
	query += ` LIMIT $` + strconv.Itoa(argCount)
	args = append(args, filters.Limit)
	argCount++
	query += ` OFFSET $` + strconv.Itoa(argCount)
	offset := (filters.Page - 1) * filters.Limit
	if offset < 0 {
		offset = 0
	}
	args = append(args, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Vendor
	for rows.Next() {
		var v Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.Address, &v.Email, &v.Phone, &v.TaxNumber, &v.PaymentTerms, &v.IsActive, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Vendor, error) {
	var v Vendor
	err := r.db.QueryRow(ctx, `SELECT id, name, address, email, phone, tax_number, payment_terms, is_active, created_at, updated_at
FROM vendors WHERE id = $1`, id).Scan(&v.ID, &v.Name, &v.Address, &v.Email, &v.Phone, &v.TaxNumber, &v.PaymentTerms, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, shared.ErrNotFound
		}
		return Vendor{}, err
	}

	accounts, err := r.loadBankAccounts(ctx, id)
	if err != nil {
		return Vendor{}, err
	}
	v.BankAccounts = accounts
	return v, nil
}

func (r *repository) Create(ctx context.Context, vendor Vendor) (Vendor, error) {
	now := time.Now()
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Vendor{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `INSERT INTO vendors (name, address, email, phone, tax_number, payment_terms, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`,
		vendor.Name, vendor.Address, vendor.Email, vendor.Phone, vendor.TaxNumber, vendor.PaymentTerms, vendor.IsActive, now).Scan(&vendor.ID)
	if err != nil {
		return Vendor{}, err
	}

	if err := r.insertBankAccounts(ctx, tx, vendor.ID, vendor.BankAccounts); err != nil {
		return Vendor{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Vendor{}, err
	}
	vendor.CreatedAt = now
	vendor.UpdatedAt = now
	return vendor, nil
}

// Update replaces the vendor row and its bank account set in one transaction.
func (r *repository) Update(ctx context.Context, id int64, vendor Vendor) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE vendors SET name = $1, address = $2, email = $3, phone = $4, tax_number = $5, payment_terms = $6, is_active = $7, updated_at = $8
WHERE id = $9`,
		vendor.Name, vendor.Address, vendor.Email, vendor.Phone, vendor.TaxNumber, vendor.PaymentTerms, vendor.IsActive, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM vendor_bank_accounts WHERE vendor_id = $1`, id); err != nil {
		return err
	}
	if err := r.insertBankAccounts(ctx, tx, id, vendor.BankAccounts); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM vendors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) loadBankAccounts(ctx context.Context, vendorID int64) ([]BankAccount, error) {
	rows, err := r.db.Query(ctx, `SELECT id, vendor_id, bank_name, account_name, account_number, branch_code
FROM vendor_bank_accounts WHERE vendor_id = $1 ORDER BY id`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []BankAccount
	for rows.Next() {
		var a BankAccount
		if err := rows.Scan(&a.ID, &a.VendorID, &a.BankName, &a.AccountName, &a.AccountNumber, &a.BranchCode); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *repository) insertBankAccounts(ctx context.Context, tx pgx.Tx, vendorID int64, accounts []BankAccount) error {
	for _, a := range accounts {
		_, err := tx.Exec(ctx, `INSERT INTO vendor_bank_accounts (vendor_id, bank_name, account_name, account_number, branch_code)
VALUES ($1, $2, $3, $4, $5)`, vendorID, a.BankName, a.AccountName, a.AccountNumber, a.BranchCode)
		if err != nil {
			return err
		}
	}
	return nil
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "name", "email", "created_at":
		return sortBy + " " + dir
	default:
		return "name " + dir
	}
}
