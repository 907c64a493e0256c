package sales

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/sequence"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for sales documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the mutations available inside one transaction.
// Status, lines and linked-document creation all commit together or not at
// all; the workflow engine never issues free-form status writes.
type TxRepository interface {
	NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error)

	CreateEnquiry(ctx context.Context, e Enquiry) (int64, error)
	InsertEnquiryLine(ctx context.Context, line EnquiryLine) error
	UpdateEnquiryHeader(ctx context.Context, id int64, e Enquiry) error
	DeleteEnquiryLines(ctx context.Context, enquiryID int64) error
	UpdateEnquiryState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetEnquiryApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	MarkEnquiryConverted(ctx context.Context, id int64, quotationID int64, at time.Time) error
	DeleteEnquiry(ctx context.Context, id int64) error
	QuotationExistsForEnquiry(ctx context.Context, enquiryID int64) (bool, error)

	CreateQuotation(ctx context.Context, q Quotation) (int64, error)
	InsertQuotationLine(ctx context.Context, line QuotationLine) error
	UpdateQuotationHeader(ctx context.Context, id int64, q Quotation) error
	DeleteQuotationLines(ctx context.Context, quotationID int64) error
	UpdateQuotationState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetQuotationApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	MarkQuotationConverted(ctx context.Context, id int64, salesOrderID int64, at time.Time) error
	DeleteQuotation(ctx context.Context, id int64) error
	OrderExistsForQuotation(ctx context.Context, quotationID int64) (bool, error)

	CreateSalesOrder(ctx context.Context, o SalesOrder) (int64, error)
	InsertSalesOrderLine(ctx context.Context, line SalesOrderLine) error
	UpdateSalesOrderState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const enquiryColumns = `id, number, client_id, contact_id, subject, description, status, approval_status,
created_by, approved_by, approved_at, approval_remarks, quotation_id, converted_at, created_at, updated_at`

// GetEnquiry returns the enquiry and its lines.
func (r *Repository) GetEnquiry(ctx context.Context, id int64) (Enquiry, []EnquiryLine, error) {
	var (
		e           Enquiry
		approvedAt  *time.Time
		convertedAt *time.Time
		quotationID *int64
	)
	err := r.pool.QueryRow(ctx, `SELECT `+enquiryColumns+` FROM enquiries WHERE id = $1`, id).Scan(
		&e.ID, &e.Number, &e.ClientID, &e.ContactID, &e.Subject, &e.Description, &e.Status, &e.Approval,
		&e.CreatedBy, &e.ApprovedBy, &approvedAt, &e.ApprovalRemarks, &quotationID, &convertedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enquiry{}, nil, ErrNotFound
		}
		return Enquiry{}, nil, err
	}
	if approvedAt != nil {
		e.ApprovedAt = *approvedAt
	}
	if convertedAt != nil {
		e.ConvertedAt = *convertedAt
	}
	if quotationID != nil {
		e.QuotationID = *quotationID
	}

	rows, err := r.pool.Query(ctx, `SELECT id, enquiry_id, item_id, description, qty, target_price
FROM enquiry_lines WHERE enquiry_id = $1 ORDER BY id`, id)
	if err != nil {
		return Enquiry{}, nil, err
	}
	defer rows.Close()
	var lines []EnquiryLine
	for rows.Next() {
		var l EnquiryLine
		if err := rows.Scan(&l.ID, &l.EnquiryID, &l.ItemID, &l.Description, &l.Qty, &l.TargetPrice); err != nil {
			return Enquiry{}, nil, err
		}
		lines = append(lines, l)
	}
	return e, lines, rows.Err()
}

const quotationColumns = `id, number, enquiry_id, client_id, contact_id, status, approval_status, valid_until,
created_by, approved_by, approved_at, approval_remarks, sales_order_id, converted_at, created_at, updated_at`

// GetQuotation returns the quotation and its lines.
func (r *Repository) GetQuotation(ctx context.Context, id int64) (Quotation, []QuotationLine, error) {
	var (
		q            Quotation
		enquiryID    *int64
		validUntil   *time.Time
		approvedAt   *time.Time
		salesOrderID *int64
		convertedAt  *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1`, id).Scan(
		&q.ID, &q.Number, &enquiryID, &q.ClientID, &q.ContactID, &q.Status, &q.Approval, &validUntil,
		&q.CreatedBy, &q.ApprovedBy, &approvedAt, &q.ApprovalRemarks, &salesOrderID, &convertedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quotation{}, nil, ErrNotFound
		}
		return Quotation{}, nil, err
	}
	if enquiryID != nil {
		q.EnquiryID = *enquiryID
	}
	if validUntil != nil {
		q.ValidUntil = *validUntil
	}
	if approvedAt != nil {
		q.ApprovedAt = *approvedAt
	}
	if salesOrderID != nil {
		q.SalesOrderID = *salesOrderID
	}
	if convertedAt != nil {
		q.ConvertedAt = *convertedAt
	}

	rows, err := r.pool.Query(ctx, `SELECT id, quotation_id, item_id, description, qty, unit_price, total
FROM quotation_lines WHERE quotation_id = $1 ORDER BY id`, id)
	if err != nil {
		return Quotation{}, nil, err
	}
	defer rows.Close()
	var lines []QuotationLine
	for rows.Next() {
		var l QuotationLine
		if err := rows.Scan(&l.ID, &l.QuotationID, &l.ItemID, &l.Description, &l.Qty, &l.UnitPrice, &l.Total); err != nil {
			return Quotation{}, nil, err
		}
		lines = append(lines, l)
	}
	return q, lines, rows.Err()
}

// GetSalesOrder returns the order and its lines.
func (r *Repository) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, []SalesOrderLine, error) {
	var o SalesOrder
	err := r.pool.QueryRow(ctx, `SELECT id, number, quotation_id, client_id, status, total, created_by, created_at, updated_at
FROM sales_orders WHERE id = $1`, id).Scan(
		&o.ID, &o.Number, &o.QuotationID, &o.ClientID, &o.Status, &o.Total, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, nil, ErrNotFound
		}
		return SalesOrder{}, nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, sales_order_id, item_id, description, qty, unit_price, total
FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY id`, id)
	if err != nil {
		return SalesOrder{}, nil, err
	}
	defer rows.Close()
	var lines []SalesOrderLine
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.ID, &l.SalesOrderID, &l.ItemID, &l.Description, &l.Qty, &l.UnitPrice, &l.Total); err != nil {
			return SalesOrder{}, nil, err
		}
		lines = append(lines, l)
	}
	return o, lines, rows.Err()
}

// ListEnquiries returns a page of enquiries, optionally filtered by status.
func (r *Repository) ListEnquiries(ctx context.Context, status docflow.Status, filters shared.ListFilters) ([]Enquiry, int, error) {
	where := ``
	args := []any{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, string(status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enquiries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (filters.Page - 1) * filters.Limit
	if offset < 0 {
		offset = 0
	}
	limitPos := len(args) + 1
	args = append(args, filters.Limit, offset)
	rows, err := r.pool.Query(ctx, `SELECT `+enquiryColumns+` FROM enquiries`+where+
		` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(limitPos)+` OFFSET $`+strconv.Itoa(limitPos+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Enquiry
	for rows.Next() {
		var (
			e           Enquiry
			approvedAt  *time.Time
			convertedAt *time.Time
			quotationID *int64
		)
		if err := rows.Scan(&e.ID, &e.Number, &e.ClientID, &e.ContactID, &e.Subject, &e.Description, &e.Status, &e.Approval,
			&e.CreatedBy, &e.ApprovedBy, &approvedAt, &e.ApprovalRemarks, &quotationID, &convertedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if approvedAt != nil {
			e.ApprovedAt = *approvedAt
		}
		if convertedAt != nil {
			e.ConvertedAt = *convertedAt
		}
		if quotationID != nil {
			e.QuotationID = *quotationID
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (t *txRepo) NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error) {
	return sequence.Next(ctx, t.tx, kind, at)
}

func (t *txRepo) CreateEnquiry(ctx context.Context, e Enquiry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO enquiries
(number, client_id, contact_id, subject, description, status, approval_status, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
		e.Number, e.ClientID, e.ContactID, e.Subject, e.Description, string(e.Status), string(e.Approval), e.CreatedBy, e.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertEnquiryLine(ctx context.Context, line EnquiryLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO enquiry_lines (enquiry_id, item_id, description, qty, target_price)
VALUES ($1, $2, $3, $4, $5)`, line.EnquiryID, line.ItemID, line.Description, line.Qty, line.TargetPrice)
	return err
}

func (t *txRepo) UpdateEnquiryHeader(ctx context.Context, id int64, e Enquiry) error {
	tag, err := t.tx.Exec(ctx, `UPDATE enquiries SET client_id = $1, contact_id = $2, subject = $3, description = $4, updated_at = NOW()
WHERE id = $5`, e.ClientID, e.ContactID, e.Subject, e.Description, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteEnquiryLines(ctx context.Context, enquiryID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM enquiry_lines WHERE enquiry_id = $1`, enquiryID)
	return err
}

// The status predicate rejects writes against a document another request
// transitioned between our read and this transaction.
func (t *txRepo) UpdateEnquiryState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	tag, err := t.tx.Exec(ctx, `UPDATE enquiries SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) SetEnquiryApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE enquiries SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW()
WHERE id = $4`, approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) MarkEnquiryConverted(ctx context.Context, id int64, quotationID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE enquiries SET status = $1, quotation_id = $2, converted_at = $3, updated_at = NOW()
WHERE id = $4 AND status = $5`, string(EnquiryConverted), quotationID, at, id, string(EnquiryApproved))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) DeleteEnquiry(ctx context.Context, id int64) error {
	if err := t.DeleteEnquiryLines(ctx, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM enquiries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) QuotationExistsForEnquiry(ctx context.Context, enquiryID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quotations WHERE enquiry_id = $1 AND status <> $2)`,
		enquiryID, string(QuotationCancelled)).Scan(&exists)
	return exists, err
}

func (t *txRepo) CreateQuotation(ctx context.Context, q Quotation) (int64, error) {
	var id int64
	var enquiryID *int64
	if q.EnquiryID != 0 {
		enquiryID = &q.EnquiryID
	}
	var validUntil *time.Time
	if !q.ValidUntil.IsZero() {
		validUntil = &q.ValidUntil
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO quotations
(number, enquiry_id, client_id, contact_id, status, approval_status, valid_until, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
		q.Number, enquiryID, q.ClientID, q.ContactID, string(q.Status), string(q.Approval), validUntil, q.CreatedBy, q.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertQuotationLine(ctx context.Context, line QuotationLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO quotation_lines (quotation_id, item_id, description, qty, unit_price, total)
VALUES ($1, $2, $3, $4, $5, $6)`, line.QuotationID, line.ItemID, line.Description, line.Qty, line.UnitPrice, line.Total)
	return err
}

func (t *txRepo) UpdateQuotationHeader(ctx context.Context, id int64, q Quotation) error {
	var validUntil *time.Time
	if !q.ValidUntil.IsZero() {
		validUntil = &q.ValidUntil
	}
	tag, err := t.tx.Exec(ctx, `UPDATE quotations SET client_id = $1, contact_id = $2, valid_until = $3, updated_at = NOW()
WHERE id = $4`, q.ClientID, q.ContactID, validUntil, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteQuotationLines(ctx context.Context, quotationID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM quotation_lines WHERE quotation_id = $1`, quotationID)
	return err
}

func (t *txRepo) UpdateQuotationState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	tag, err := t.tx.Exec(ctx, `UPDATE quotations SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) SetQuotationApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE quotations SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW()
WHERE id = $4`, approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) MarkQuotationConverted(ctx context.Context, id int64, salesOrderID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE quotations SET status = $1, sales_order_id = $2, converted_at = $3, updated_at = NOW()
WHERE id = $4 AND status = $5`, string(QuotationConverted), salesOrderID, at, id, string(QuotationApproved))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) DeleteQuotation(ctx context.Context, id int64) error {
	if err := t.DeleteQuotationLines(ctx, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM quotations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) OrderExistsForQuotation(ctx context.Context, quotationID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sales_orders WHERE quotation_id = $1 AND status <> $2)`,
		quotationID, string(OrderCancelled)).Scan(&exists)
	return exists, err
}

func (t *txRepo) CreateSalesOrder(ctx context.Context, o SalesOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sales_orders
(number, quotation_id, client_id, status, total, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		o.Number, o.QuotationID, o.ClientID, string(o.Status), o.Total, o.CreatedBy, o.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertSalesOrderLine(ctx context.Context, line SalesOrderLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO sales_order_lines (sales_order_id, item_id, description, qty, unit_price, total)
VALUES ($1, $2, $3, $4, $5, $6)`, line.SalesOrderID, line.ItemID, line.Description, line.Qty, line.UnitPrice, line.Total)
	return err
}

func (t *txRepo) UpdateSalesOrderState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales_orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(state.Status), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}
