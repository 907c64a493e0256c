package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/masterdata/items"
	"github.com/keystone-erp/keystone-erp/internal/sequence"
)

// Repository provides PostgreSQL backed persistence for procurement
// documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the mutations available inside one transaction.
type TxRepository interface {
	NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error)

	CreateIntent(ctx context.Context, p PurchaseIntent) (int64, error)
	InsertIntentLine(ctx context.Context, line IntentLine) error
	UpdateIntentHeader(ctx context.Context, id int64, p PurchaseIntent) error
	DeleteIntentLines(ctx context.Context, intentID int64) error
	UpdateIntentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetIntentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	MarkIntentConverted(ctx context.Context, id int64, poID int64, at time.Time) error
	DeleteIntent(ctx context.Context, id int64) error
	POExistsForIntent(ctx context.Context, intentID int64) (bool, error)

	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	UpdatePOHeader(ctx context.Context, id int64, po PurchaseOrder) error
	DeletePOLines(ctx context.Context, poID int64) error
	UpdatePOState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetPOApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	DeletePO(ctx context.Context, id int64) error

	CreateGRN(ctx context.Context, grn GoodsReceiptNote) (int64, error)
	InsertGRNLine(ctx context.Context, line GRNLine) error
	UpdateGRNState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetGRNApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	SetGRNReceived(ctx context.Context, id int64, receivedBy int64, at time.Time) error
	SetGRNInspection(ctx context.Context, id int64, inspectedBy int64, at time.Time, quality QualityStatus, reason string) error
	SetGRNLineOutcome(ctx context.Context, lineID int64, acceptedQty, rejectedQty float64) error
	SetGRNReturned(ctx context.Context, id int64, at time.Time) error
	DeleteGRN(ctx context.Context, id int64) error
	AdjustItemStock(ctx context.Context, itemID int64, delta float64) error

	CreatePayment(ctx context.Context, p PurchasePayment) (int64, error)
	UpdatePaymentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error
	SetPaymentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error
	SetPaymentReceived(ctx context.Context, id int64, at time.Time) error
	DeletePayment(ctx context.Context, id int64) error
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

// GetIntent returns the purchase intent and its lines.
func (r *Repository) GetIntent(ctx context.Context, id int64) (PurchaseIntent, []IntentLine, error) {
	var (
		p           PurchaseIntent
		approvedAt  *time.Time
		convertedAt *time.Time
		poID        *int64
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, vendor_id, status, approval_status, note,
created_by, approved_by, approved_at, approval_remarks, purchase_order_id, converted_at, created_at, updated_at
FROM purchase_intents WHERE id = $1`, id).Scan(
		&p.ID, &p.Number, &p.VendorID, &p.Status, &p.Approval, &p.Note,
		&p.CreatedBy, &p.ApprovedBy, &approvedAt, &p.ApprovalRemarks, &poID, &convertedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseIntent{}, nil, ErrNotFound
		}
		return PurchaseIntent{}, nil, err
	}
	if approvedAt != nil {
		p.ApprovedAt = *approvedAt
	}
	if convertedAt != nil {
		p.ConvertedAt = *convertedAt
	}
	if poID != nil {
		p.PurchaseOrderID = *poID
	}

	rows, err := r.pool.Query(ctx, `SELECT id, intent_id, item_id, description, qty, unit_price
FROM purchase_intent_lines WHERE intent_id = $1 ORDER BY id`, id)
	if err != nil {
		return PurchaseIntent{}, nil, err
	}
	defer rows.Close()
	var lines []IntentLine
	for rows.Next() {
		var l IntentLine
		if err := rows.Scan(&l.ID, &l.IntentID, &l.ItemID, &l.Description, &l.Qty, &l.UnitPrice); err != nil {
			return PurchaseIntent{}, nil, err
		}
		lines = append(lines, l)
	}
	return p, lines, rows.Err()
}

// GetPO returns the purchase order and its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	var (
		po           PurchaseOrder
		intentID     *int64
		expectedDate *time.Time
		approvedAt   *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, intent_id, vendor_id, status, approval_status, currency,
expected_date, note, created_by, approved_by, approved_at, approval_remarks, created_at, updated_at
FROM purchase_orders WHERE id = $1`, id).Scan(
		&po.ID, &po.Number, &intentID, &po.VendorID, &po.Status, &po.Approval, &po.Currency,
		&expectedDate, &po.Note, &po.CreatedBy, &po.ApprovedBy, &approvedAt, &po.ApprovalRemarks, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	if intentID != nil {
		po.IntentID = *intentID
	}
	if expectedDate != nil {
		po.ExpectedDate = *expectedDate
	}
	if approvedAt != nil {
		po.ApprovedAt = *approvedAt
	}

	rows, err := r.pool.Query(ctx, `SELECT id, po_id, item_id, description, qty, unit_price, total
FROM purchase_order_lines WHERE po_id = $1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.ItemID, &l.Description, &l.Qty, &l.UnitPrice, &l.Total); err != nil {
			return PurchaseOrder{}, nil, err
		}
		lines = append(lines, l)
	}
	return po, lines, rows.Err()
}

// GetGRN returns the goods receipt note and its lines.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GoodsReceiptNote, []GRNLine, error) {
	var (
		g           GoodsReceiptNote
		receivedAt  *time.Time
		inspectedAt *time.Time
		returnedAt  *time.Time
		quality     *string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, po_id, vendor_id, status, approval_status,
received_by, received_at, inspected_by, inspected_at, quality_status, rejection_reason, returned_at,
created_by, created_at, updated_at
FROM goods_receipt_notes WHERE id = $1`, id).Scan(
		&g.ID, &g.Number, &g.POID, &g.VendorID, &g.Status, &g.Approval,
		&g.ReceivedBy, &receivedAt, &g.InspectedBy, &inspectedAt, &quality, &g.RejectionReason, &returnedAt,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceiptNote{}, nil, ErrNotFound
		}
		return GoodsReceiptNote{}, nil, err
	}
	if receivedAt != nil {
		g.ReceivedAt = *receivedAt
	}
	if inspectedAt != nil {
		g.InspectedAt = *inspectedAt
	}
	if returnedAt != nil {
		g.ReturnedAt = *returnedAt
	}
	if quality != nil {
		g.QualityStatus = QualityStatus(*quality)
	}

	rows, err := r.pool.Query(ctx, `SELECT id, grn_id, item_id, description, ordered_qty, received_qty, accepted_qty, rejected_qty, unit_cost
FROM goods_receipt_lines WHERE grn_id = $1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceiptNote{}, nil, err
	}
	defer rows.Close()
	var lines []GRNLine
	for rows.Next() {
		var l GRNLine
		if err := rows.Scan(&l.ID, &l.GRNID, &l.ItemID, &l.Description, &l.OrderedQty, &l.ReceivedQty, &l.AcceptedQty, &l.RejectedQty, &l.UnitCost); err != nil {
			return GoodsReceiptNote{}, nil, err
		}
		lines = append(lines, l)
	}
	return g, lines, rows.Err()
}

// GetPayment returns the purchase payment.
func (r *Repository) GetPayment(ctx context.Context, id int64) (PurchasePayment, error) {
	var (
		p          PurchasePayment
		approvedAt *time.Time
		receivedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, po_id, vendor_id, status, approval_status, amount, method, reference,
created_by, approved_by, approved_at, approval_remarks, received_at, created_at, updated_at
FROM purchase_payments WHERE id = $1`, id).Scan(
		&p.ID, &p.Number, &p.POID, &p.VendorID, &p.Status, &p.Approval, &p.Amount, &p.Method, &p.Reference,
		&p.CreatedBy, &p.ApprovedBy, &approvedAt, &p.ApprovalRemarks, &receivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchasePayment{}, ErrNotFound
		}
		return PurchasePayment{}, err
	}
	if approvedAt != nil {
		p.ApprovedAt = *approvedAt
	}
	if receivedAt != nil {
		p.ReceivedAt = *receivedAt
	}
	return p, nil
}

func (t *txRepo) NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error) {
	return sequence.Next(ctx, t.tx, kind, at)
}

func (t *txRepo) CreateIntent(ctx context.Context, p PurchaseIntent) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_intents
(number, vendor_id, status, approval_status, note, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		p.Number, p.VendorID, string(p.Status), string(p.Approval), p.Note, p.CreatedBy, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertIntentLine(ctx context.Context, line IntentLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_intent_lines (intent_id, item_id, description, qty, unit_price)
VALUES ($1, $2, $3, $4, $5)`, line.IntentID, line.ItemID, line.Description, line.Qty, line.UnitPrice)
	return err
}

func (t *txRepo) UpdateIntentHeader(ctx context.Context, id int64, p PurchaseIntent) error {
	return execExpectingRow(ctx, t.tx, `UPDATE purchase_intents SET vendor_id = $1, note = $2, updated_at = NOW() WHERE id = $3`,
		p.VendorID, p.Note, id)
}

func (t *txRepo) DeleteIntentLines(ctx context.Context, intentID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM purchase_intent_lines WHERE intent_id = $1`, intentID)
	return err
}

func (t *txRepo) UpdateIntentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	return execExpectingState(ctx, t.tx, `UPDATE purchase_intents SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
}

func (t *txRepo) SetIntentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_intents SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW() WHERE id = $4`,
		approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) MarkIntentConverted(ctx context.Context, id int64, poID int64, at time.Time) error {
	return execExpectingState(ctx, t.tx, `UPDATE purchase_intents SET status = $1, purchase_order_id = $2, converted_at = $3, updated_at = NOW() WHERE id = $4 AND status = $5`,
		string(IntentConverted), poID, at, id, string(IntentApproved))
}

func (t *txRepo) DeleteIntent(ctx context.Context, id int64) error {
	if err := t.DeleteIntentLines(ctx, id); err != nil {
		return err
	}
	return execExpectingRow(ctx, t.tx, `DELETE FROM purchase_intents WHERE id = $1`, id)
}

func (t *txRepo) POExistsForIntent(ctx context.Context, intentID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE intent_id = $1 AND status <> $2)`,
		intentID, string(POCancelled)).Scan(&exists)
	return exists, err
}

func (t *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	var intentID *int64
	if po.IntentID != 0 {
		intentID = &po.IntentID
	}
	var expectedDate *time.Time
	if !po.ExpectedDate.IsZero() {
		expectedDate = &po.ExpectedDate
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(number, intent_id, vendor_id, status, approval_status, currency, expected_date, note, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING id`,
		po.Number, intentID, po.VendorID, string(po.Status), string(po.Approval), po.Currency, expectedDate, po.Note, po.CreatedBy, po.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_lines (po_id, item_id, description, qty, unit_price, total)
VALUES ($1, $2, $3, $4, $5, $6)`, line.POID, line.ItemID, line.Description, line.Qty, line.UnitPrice, line.Total)
	return err
}

func (t *txRepo) UpdatePOHeader(ctx context.Context, id int64, po PurchaseOrder) error {
	var expectedDate *time.Time
	if !po.ExpectedDate.IsZero() {
		expectedDate = &po.ExpectedDate
	}
	return execExpectingRow(ctx, t.tx, `UPDATE purchase_orders SET vendor_id = $1, currency = $2, expected_date = $3, note = $4, updated_at = NOW() WHERE id = $5`,
		po.VendorID, po.Currency, expectedDate, po.Note, id)
}

func (t *txRepo) DeletePOLines(ctx context.Context, poID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE po_id = $1`, poID)
	return err
}

func (t *txRepo) UpdatePOState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	return execExpectingState(ctx, t.tx, `UPDATE purchase_orders SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
}

func (t *txRepo) SetPOApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW() WHERE id = $4`,
		approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) DeletePO(ctx context.Context, id int64) error {
	if err := t.DeletePOLines(ctx, id); err != nil {
		return err
	}
	return execExpectingRow(ctx, t.tx, `DELETE FROM purchase_orders WHERE id = $1`, id)
}

func (t *txRepo) CreateGRN(ctx context.Context, grn GoodsReceiptNote) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO goods_receipt_notes
(number, po_id, vendor_id, status, approval_status, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		grn.Number, grn.POID, grn.VendorID, string(grn.Status), string(grn.Approval), grn.CreatedBy, grn.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertGRNLine(ctx context.Context, line GRNLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO goods_receipt_lines
(grn_id, item_id, description, ordered_qty, received_qty, accepted_qty, rejected_qty, unit_cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		line.GRNID, line.ItemID, line.Description, line.OrderedQty, line.ReceivedQty, line.AcceptedQty, line.RejectedQty, line.UnitCost)
	return err
}

func (t *txRepo) UpdateGRNState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	return execExpectingState(ctx, t.tx, `UPDATE goods_receipt_notes SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
}

func (t *txRepo) SetGRNApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipt_notes SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW() WHERE id = $4`,
		approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) SetGRNReceived(ctx context.Context, id int64, receivedBy int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipt_notes SET received_by = $1, received_at = $2, updated_at = NOW() WHERE id = $3`,
		receivedBy, at, id)
	return err
}

func (t *txRepo) SetGRNInspection(ctx context.Context, id int64, inspectedBy int64, at time.Time, quality QualityStatus, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipt_notes SET inspected_by = $1, inspected_at = $2, quality_status = $3, rejection_reason = $4, updated_at = NOW() WHERE id = $5`,
		inspectedBy, at, string(quality), reason, id)
	return err
}

func (t *txRepo) SetGRNLineOutcome(ctx context.Context, lineID int64, acceptedQty, rejectedQty float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipt_lines SET accepted_qty = $1, rejected_qty = $2 WHERE id = $3`,
		acceptedQty, rejectedQty, lineID)
	return err
}

func (t *txRepo) SetGRNReturned(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE goods_receipt_notes SET returned_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	return err
}

func (t *txRepo) DeleteGRN(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM goods_receipt_lines WHERE grn_id = $1`, id); err != nil {
		return err
	}
	return execExpectingRow(ctx, t.tx, `DELETE FROM goods_receipt_notes WHERE id = $1`, id)
}

func (t *txRepo) AdjustItemStock(ctx context.Context, itemID int64, delta float64) error {
	return items.AdjustStockTx(ctx, t.tx, itemID, delta)
}

func (t *txRepo) CreatePayment(ctx context.Context, p PurchasePayment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_payments
(number, po_id, vendor_id, status, approval_status, amount, method, reference, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING id`,
		p.Number, p.POID, p.VendorID, string(p.Status), string(p.Approval), p.Amount, p.Method, p.Reference, p.CreatedBy, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) UpdatePaymentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	return execExpectingState(ctx, t.tx, `UPDATE purchase_payments SET status = $1, approval_status = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		string(state.Status), string(state.Approval), id, string(from))
}

func (t *txRepo) SetPaymentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_payments SET approved_by = $1, approved_at = $2, approval_remarks = $3, updated_at = NOW() WHERE id = $4`,
		approvedBy, at, remarks, id)
	return err
}

func (t *txRepo) SetPaymentReceived(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_payments SET received_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	return err
}

func (t *txRepo) DeletePayment(ctx context.Context, id int64) error {
	return execExpectingRow(ctx, t.tx, `DELETE FROM purchase_payments WHERE id = $1`, id)
}

func execExpectingRow(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// execExpectingState is for writes predicated on the current status; a
// miss means another request transitioned the document first.
func execExpectingState(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}
