package clients

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
	List(ctx context.Context, filters shared.ListFilters) ([]Client, int, error)
	Get(ctx context.Context, id int64) (Client, error)
	Create(ctx context.Context, client Client) (Client, error)
	Update(ctx context.Context, id int64, client Client) error
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) List(ctx context.Context, filters shared.ListFilters) ([]Client, int, error) {
	query := `SELECT id, name, address, email, phone, tax_number, is_active, created_at, updated_at FROM clients WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		query += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR email ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}

	countQuery := `SELECT COUNT(*) FROM clients WHERE 1=1`
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

	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.Email, &c.Phone, &c.TaxNumber, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Client, error) {
	var c Client
	err := r.db.QueryRow(ctx, `SELECT id, name, address, email, phone, tax_number, is_active, created_at, updated_at
FROM clients WHERE id = $1`, id).Scan(&c.ID, &c.Name, &c.Address, &c.Email, &c.Phone, &c.TaxNumber, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, shared.ErrNotFound
		}
		return Client{}, err
	}

	contacts, err := r.loadContacts(ctx, id)
	if err != nil {
		return Client{}, err
	}
	c.Contacts = contacts
	return c, nil
}

func (r *repository) Create(ctx context.Context, client Client) (Client, error) {
	now := time.Now()
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Client{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `INSERT INTO clients (name, address, email, phone, tax_number, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		client.Name, client.Address, client.Email, client.Phone, client.TaxNumber, client.IsActive, now).Scan(&client.ID)
	if err != nil {
		return Client{}, err
	}

	if err := r.insertContacts(ctx, tx, client.ID, client.Contacts); err != nil {
		return Client{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, err
	}
	client.CreatedAt = now
	client.UpdatedAt = now
	return client, nil
}

// Update replaces the client row and its contact set in one transaction.
func (r *repository) Update(ctx context.Context, id int64, client Client) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE clients SET name = $1, address = $2, email = $3, phone = $4, tax_number = $5, is_active = $6, updated_at = $7
WHERE id = $8`,
		client.Name, client.Address, client.Email, client.Phone, client.TaxNumber, client.IsActive, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM client_contacts WHERE client_id = $1`, id); err != nil {
		return err
	}
	if err := r.insertContacts(ctx, tx, id, client.Contacts); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) loadContacts(ctx context.Context, clientID int64) ([]Contact, error) {
	rows, err := r.db.Query(ctx, `SELECT id, client_id, name, email, phone, designation
FROM client_contacts WHERE client_id = $1 ORDER BY id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Name, &c.Email, &c.Phone, &c.Designation); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *repository) insertContacts(ctx context.Context, tx pgx.Tx, clientID int64, contacts []Contact) error {
	for _, c := range contacts {
		_, err := tx.Exec(ctx, `INSERT INTO client_contacts (client_id, name, email, phone, designation)
VALUES ($1, $2, $3, $4, $5)`, clientID, c.Name, c.Email, c.Phone, c.Designation)
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
