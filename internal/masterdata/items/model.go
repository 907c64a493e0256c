// Package items manages the equipment catalogue. Every item carries an
// immutable ITM code drawn from the global item sequence, and a stock level
// that goods receipts adjust on acceptance.
package items

import "time"

type Item struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Unit        string    `json:"unit"`
	UnitPrice   float64   `json:"unit_price"`
	StockQty    float64   `json:"stock_qty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
