package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// counterDB mimics the document_sequences upsert with an in-memory map.
type counterDB struct {
	mu   sync.Mutex
	seqs map[string]int64
}

type counterRow struct {
	seq int64
}

func (r counterRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.seq
	return nil
}

func (db *counterDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.seqs == nil {
		db.seqs = make(map[string]int64)
	}
	key := args[0].(string) + "|" + args[1].(string)
	db.seqs[key]++
	return counterRow{seq: db.seqs[key]}
}

func TestNextFormats(t *testing.T) {
	db := &counterDB{}
	ctx := context.Background()
	jan := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		kind Kind
		want string
	}{
		{GoodsReceipt, "GRN2025010001"},
		{PurchaseIntent, "PI2025010001"},
		{PurchaseOrder, "PO2025010001"},
		{PurchasePayment, "PP2025010001"},
		{Enquiry, "EN-2025-00001"},
		{Quotation, "QT-2025-00001"},
		{SalesOrder, "SO-2025-00001"},
		{Item, "ITM000001"},
	}
	for _, tc := range cases {
		got, err := Next(ctx, db, tc.kind, jan)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestNextIncrementsWithinPeriod(t *testing.T) {
	db := &counterDB{}
	ctx := context.Background()
	jun := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	first, err := Next(ctx, db, PurchaseOrder, jun)
	require.NoError(t, err)
	second, err := Next(ctx, db, PurchaseOrder, jun)
	require.NoError(t, err)
	require.Equal(t, "PO2025060001", first)
	require.Equal(t, "PO2025060002", second)
}

func TestNextResetsAcrossPeriods(t *testing.T) {
	db := &counterDB{}
	ctx := context.Background()

	jan, err := Next(ctx, db, GoodsReceipt, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	feb, err := Next(ctx, db, GoodsReceipt, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "GRN2025010001", jan)
	require.Equal(t, "GRN2025020001", feb)

	y24, err := Next(ctx, db, Enquiry, time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	y25, err := Next(ctx, db, Enquiry, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "EN-2024-00001", y24)
	require.Equal(t, "EN-2025-00001", y25)
}

func TestNextConcurrentNoDuplicates(t *testing.T) {
	db := &counterDB{}
	ctx := context.Background()
	at := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	const n = 50
	results := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := Next(ctx, db, PurchaseOrder, at)
			require.NoError(t, err)
			results <- num
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{}, n)
	for num := range results {
		_, dup := seen[num]
		require.False(t, dup, "duplicate number %s", num)
		seen[num] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestNextUnknownKind(t *testing.T) {
	_, err := Next(context.Background(), &counterDB{}, Kind("XX"), time.Now())
	require.Error(t, err)
}
