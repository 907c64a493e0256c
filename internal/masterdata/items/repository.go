package items

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-erp/keystone-erp/internal/sequence"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

type Repository interface {
	List(ctx context.Context, filters shared.ListFilters) ([]Item, int, error)
	Get(ctx context.Context, id int64) (Item, error)
	GetByCode(ctx context.Context, code string) (Item, error)
	Create(ctx context.Context, item Item) (Item, error)
	Update(ctx context.Context, id int64, item Item) error
	Delete(ctx context.Context, id int64) error
	AdjustStock(ctx context.Context, id int64, delta float64) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const itemColumns = `id, code, name, description, unit, unit_price, stock_qty, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters shared.ListFilters) ([]Item, int, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		query += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}

	countQuery := `SELECT COUNT(*) FROM items WHERE 1=1`
	countArgs := []any{}
	if filters.Search != "" {
		countQuery += ` AND (name ILIKE $1 OR code ILIKE $1)`
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

	var out []Item
	for rows.Next() {
		var it Item
		if err := scanItem(rows, &it); err != nil {
			return nil, 0, err
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id), &it)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, shared.ErrNotFound
		}
		return Item{}, err
	}
	return it, nil
}

func (r *repository) GetByCode(ctx context.Context, code string) (Item, error) {
	var it Item
	err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE code = $1`, code), &it)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, shared.ErrNotFound
		}
		return Item{}, err
	}
	return it, nil
}

// Create draws the item code and inserts the row in one transaction so a
// failed insert never burns a visible code.
func (r *repository) Create(ctx context.Context, item Item) (Item, error) {
	now := time.Now()
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Item{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	code, err := sequence.Next(ctx, tx, sequence.Item, now)
	if err != nil {
		return Item{}, err
	}
	item.Code = code

	err = tx.QueryRow(ctx, `INSERT INTO items (code, name, description, unit, unit_price, stock_qty, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`,
		item.Code, item.Name, item.Description, item.Unit, item.UnitPrice, item.StockQty, item.IsActive, now).Scan(&item.ID)
	if err != nil {
		return Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return item, nil
}

// Update never touches code or stock_qty; stock moves only through
// AdjustStock so receipt postings stay the single source of stock changes.
func (r *repository) Update(ctx context.Context, id int64, item Item) error {
	tag, err := r.db.Exec(ctx, `UPDATE items SET name = $1, description = $2, unit = $3, unit_price = $4, is_active = $5, updated_at = $6
WHERE id = $7`,
		item.Name, item.Description, item.Unit, item.UnitPrice, item.IsActive, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) AdjustStock(ctx context.Context, id int64, delta float64) error {
	return AdjustStockTx(ctx, r.db, id, delta)
}

// Execer is the subset of pgx needed for stock adjustments; both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AdjustStockTx applies a stock delta inside a caller-owned transaction.
// Goods receipt acceptance uses this so the stock movement commits or rolls
// back together with the receipt status change.
func AdjustStockTx(ctx context.Context, ex Execer, itemID int64, delta float64) error {
	tag, err := ex.Exec(ctx, `UPDATE items SET stock_qty = stock_qty + $1, updated_at = $2 WHERE id = $3`, delta, time.Now(), itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust stock for item %d: %w", itemID, shared.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner, it *Item) error {
	return row.Scan(&it.ID, &it.Code, &it.Name, &it.Description, &it.Unit, &it.UnitPrice, &it.StockQty, &it.IsActive, &it.CreatedAt, &it.UpdatedAt)
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "code", "name", "created_at":
		return sortBy + " " + dir
	default:
		return "code " + dir
	}
}
