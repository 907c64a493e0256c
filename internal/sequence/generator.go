// Package sequence issues document numbers. Numbers are unique and
// monotonic per (kind, period), never reused, and immutable once attached
// to a document. Allocation goes through an atomic counter row so two
// concurrent callers can never draw the same value.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Kind identifies a numbered document family by its prefix.
type Kind string

const (
	Enquiry         Kind = "EN"
	Quotation       Kind = "QT"
	SalesOrder      Kind = "SO"
	PurchaseIntent  Kind = "PI"
	PurchaseOrder   Kind = "PO"
	GoodsReceipt    Kind = "GRN"
	PurchasePayment Kind = "PP"
	Item            Kind = "ITM"
)

type scope int

const (
	scopeMonthly scope = iota
	scopeYearly
	scopeGlobal
)

var kindScopes = map[Kind]scope{
	Enquiry:         scopeYearly,
	Quotation:       scopeYearly,
	SalesOrder:      scopeYearly,
	PurchaseIntent:  scopeMonthly,
	PurchaseOrder:   scopeMonthly,
	GoodsReceipt:    scopeMonthly,
	PurchasePayment: scopeMonthly,
	Item:            scopeGlobal,
}

// DB is the minimal query surface the generator needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so numbers can be drawn inside the transaction
// that creates the document.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Next allocates and formats the next number for kind at the given time.
// The counter row is upserted atomically; callers inside a transaction get
// the allocation rolled back with everything else, which may leave a gap in
// the sequence but never a duplicate.
func Next(ctx context.Context, db DB, kind Kind, at time.Time) (string, error) {
	sc, ok := kindScopes[kind]
	if !ok {
		return "", fmt.Errorf("sequence: unknown kind %q", kind)
	}
	seq, err := allocate(ctx, db, kind, periodKey(sc, at))
	if err != nil {
		return "", err
	}
	return format(kind, sc, at, seq), nil
}

func allocate(ctx context.Context, db DB, kind Kind, period string) (int64, error) {
	var seq int64
	err := db.QueryRow(ctx, `
		INSERT INTO document_sequences (doc_type, period, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (doc_type, period)
		DO UPDATE SET seq = document_sequences.seq + 1
		RETURNING seq
	`, string(kind), period).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sequence: allocate %s/%s: %w", kind, period, err)
	}
	return seq, nil
}

func periodKey(sc scope, at time.Time) string {
	switch sc {
	case scopeMonthly:
		return at.Format("200601")
	case scopeYearly:
		return at.Format("2006")
	default:
		return ""
	}
}

func format(kind Kind, sc scope, at time.Time, seq int64) string {
	switch sc {
	case scopeMonthly:
		// e.g. GRN2025010007
		return fmt.Sprintf("%s%s%04d", kind, at.Format("200601"), seq)
	case scopeYearly:
		// e.g. EN-2024-00001
		return fmt.Sprintf("%s-%s-%05d", kind, at.Format("2006"), seq)
	default:
		// e.g. ITM000001
		return fmt.Sprintf("%s%06d", kind, seq)
	}
}
