package procurement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/sequence"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// memoryProcRepo implements RepositoryPort with copy-on-write transactions:
// WithTx snapshots all maps and restores them when fn fails, matching the
// rollback guarantee of the real repository.
type memoryProcRepo struct {
	intents     map[int64]PurchaseIntent
	intentLines map[int64][]IntentLine
	pos         map[int64]PurchaseOrder
	poLines     map[int64][]POLine
	grns        map[int64]GoodsReceiptNote
	grnLines    map[int64][]GRNLine
	payments    map[int64]PurchasePayment
	stock       map[int64]float64
	seqs        map[string]int64
	nextID      int64

	failPOLineAt int // 1-based call index that errors, 0 disables
	poLineCalls  int
	failStock    bool

	beforeTx func() // runs once before the next transaction begins
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		intents:     make(map[int64]PurchaseIntent),
		intentLines: make(map[int64][]IntentLine),
		pos:         make(map[int64]PurchaseOrder),
		poLines:     make(map[int64][]POLine),
		grns:        make(map[int64]GoodsReceiptNote),
		grnLines:    make(map[int64][]GRNLine),
		payments:    make(map[int64]PurchasePayment),
		stock:       make(map[int64]float64),
		seqs:        make(map[string]int64),
	}
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.beforeTx != nil {
		r.beforeTx()
		r.beforeTx = nil
	}
	snapshot := r.clone()
	if err := fn(ctx, &memoryProcTx{repo: r}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

func (r *memoryProcRepo) clone() *memoryProcRepo {
	c := newMemoryProcRepo()
	for k, v := range r.intents {
		c.intents[k] = v
	}
	for k, v := range r.intentLines {
		c.intentLines[k] = append([]IntentLine(nil), v...)
	}
	for k, v := range r.pos {
		c.pos[k] = v
	}
	for k, v := range r.poLines {
		c.poLines[k] = append([]POLine(nil), v...)
	}
	for k, v := range r.grns {
		c.grns[k] = v
	}
	for k, v := range r.grnLines {
		c.grnLines[k] = append([]GRNLine(nil), v...)
	}
	for k, v := range r.payments {
		c.payments[k] = v
	}
	for k, v := range r.stock {
		c.stock[k] = v
	}
	for k, v := range r.seqs {
		c.seqs[k] = v
	}
	c.nextID = r.nextID
	return c
}

func (r *memoryProcRepo) restore(s *memoryProcRepo) {
	r.intents = s.intents
	r.intentLines = s.intentLines
	r.pos = s.pos
	r.poLines = s.poLines
	r.grns = s.grns
	r.grnLines = s.grnLines
	r.payments = s.payments
	r.stock = s.stock
	r.seqs = s.seqs
	r.nextID = s.nextID
}

func (r *memoryProcRepo) GetIntent(ctx context.Context, id int64) (PurchaseIntent, []IntentLine, error) {
	p, ok := r.intents[id]
	if !ok {
		return PurchaseIntent{}, nil, ErrNotFound
	}
	return p, append([]IntentLine(nil), r.intentLines[id]...), nil
}

func (r *memoryProcRepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	return po, append([]POLine(nil), r.poLines[id]...), nil
}

func (r *memoryProcRepo) GetGRN(ctx context.Context, id int64) (GoodsReceiptNote, []GRNLine, error) {
	g, ok := r.grns[id]
	if !ok {
		return GoodsReceiptNote{}, nil, ErrNotFound
	}
	return g, append([]GRNLine(nil), r.grnLines[id]...), nil
}

func (r *memoryProcRepo) GetPayment(ctx context.Context, id int64) (PurchasePayment, error) {
	p, ok := r.payments[id]
	if !ok {
		return PurchasePayment{}, ErrNotFound
	}
	return p, nil
}

// seqRow feeds the sequence package's upsert through the in-memory counter.
type seqRow struct{ seq int64 }

func (r seqRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.seq
	return nil
}

type memorySeqDB struct{ repo *memoryProcRepo }

func (db memorySeqDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(string) + "|" + args[1].(string)
	db.repo.seqs[key]++
	return seqRow{seq: db.repo.seqs[key]}
}

func (t *memoryProcTx) NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error) {
	return sequence.Next(ctx, memorySeqDB{repo: t.repo}, kind, at)
}

func (t *memoryProcTx) id() int64 {
	t.repo.nextID++
	return t.repo.nextID
}

func (t *memoryProcTx) CreateIntent(ctx context.Context, p PurchaseIntent) (int64, error) {
	p.ID = t.id()
	t.repo.intents[p.ID] = p
	return p.ID, nil
}

func (t *memoryProcTx) InsertIntentLine(ctx context.Context, line IntentLine) error {
	line.ID = t.id()
	t.repo.intentLines[line.IntentID] = append(t.repo.intentLines[line.IntentID], line)
	return nil
}

func (t *memoryProcTx) UpdateIntentHeader(ctx context.Context, id int64, p PurchaseIntent) error {
	cur, ok := t.repo.intents[id]
	if !ok {
		return ErrNotFound
	}
	cur.VendorID, cur.Note = p.VendorID, p.Note
	t.repo.intents[id] = cur
	return nil
}

func (t *memoryProcTx) DeleteIntentLines(ctx context.Context, intentID int64) error {
	delete(t.repo.intentLines, intentID)
	return nil
}

func (t *memoryProcTx) UpdateIntentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	p, ok := t.repo.intents[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrStaleState
	}
	p.Status, p.Approval = state.Status, state.Approval
	t.repo.intents[id] = p
	return nil
}

func (t *memoryProcTx) SetIntentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	p := t.repo.intents[id]
	p.ApprovedBy, p.ApprovedAt, p.ApprovalRemarks = approvedBy, at, remarks
	t.repo.intents[id] = p
	return nil
}

func (t *memoryProcTx) MarkIntentConverted(ctx context.Context, id int64, poID int64, at time.Time) error {
	p, ok := t.repo.intents[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != IntentApproved {
		return ErrStaleState
	}
	p.Status, p.PurchaseOrderID, p.ConvertedAt = IntentConverted, poID, at
	t.repo.intents[id] = p
	return nil
}

func (t *memoryProcTx) DeleteIntent(ctx context.Context, id int64) error {
	if _, ok := t.repo.intents[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.intents, id)
	delete(t.repo.intentLines, id)
	return nil
}

func (t *memoryProcTx) POExistsForIntent(ctx context.Context, intentID int64) (bool, error) {
	for _, po := range t.repo.pos {
		if po.IntentID == intentID && po.Status != POCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryProcTx) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	po.ID = t.id()
	t.repo.pos[po.ID] = po
	return po.ID, nil
}

func (t *memoryProcTx) InsertPOLine(ctx context.Context, line POLine) error {
	t.repo.poLineCalls++
	if t.repo.failPOLineAt > 0 && t.repo.poLineCalls >= t.repo.failPOLineAt {
		return errors.New("simulated line failure")
	}
	line.ID = t.id()
	t.repo.poLines[line.POID] = append(t.repo.poLines[line.POID], line)
	return nil
}

func (t *memoryProcTx) UpdatePOHeader(ctx context.Context, id int64, po PurchaseOrder) error {
	cur, ok := t.repo.pos[id]
	if !ok {
		return ErrNotFound
	}
	cur.VendorID, cur.Currency, cur.ExpectedDate, cur.Note = po.VendorID, po.Currency, po.ExpectedDate, po.Note
	t.repo.pos[id] = cur
	return nil
}

func (t *memoryProcTx) DeletePOLines(ctx context.Context, poID int64) error {
	delete(t.repo.poLines, poID)
	return nil
}

func (t *memoryProcTx) UpdatePOState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	po, ok := t.repo.pos[id]
	if !ok {
		return ErrNotFound
	}
	if po.Status != from {
		return ErrStaleState
	}
	po.Status, po.Approval = state.Status, state.Approval
	t.repo.pos[id] = po
	return nil
}

func (t *memoryProcTx) SetPOApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	po := t.repo.pos[id]
	po.ApprovedBy, po.ApprovedAt, po.ApprovalRemarks = approvedBy, at, remarks
	t.repo.pos[id] = po
	return nil
}

func (t *memoryProcTx) DeletePO(ctx context.Context, id int64) error {
	if _, ok := t.repo.pos[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.pos, id)
	delete(t.repo.poLines, id)
	return nil
}

func (t *memoryProcTx) CreateGRN(ctx context.Context, grn GoodsReceiptNote) (int64, error) {
	grn.ID = t.id()
	t.repo.grns[grn.ID] = grn
	return grn.ID, nil
}

func (t *memoryProcTx) InsertGRNLine(ctx context.Context, line GRNLine) error {
	line.ID = t.id()
	t.repo.grnLines[line.GRNID] = append(t.repo.grnLines[line.GRNID], line)
	return nil
}

func (t *memoryProcTx) UpdateGRNState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	g, ok := t.repo.grns[id]
	if !ok {
		return ErrNotFound
	}
	if g.Status != from {
		return ErrStaleState
	}
	g.Status, g.Approval = state.Status, state.Approval
	t.repo.grns[id] = g
	return nil
}

// The GRN model does not carry approver fields back, so there is nothing
// to store in memory.
func (t *memoryProcTx) SetGRNApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	return nil
}

func (t *memoryProcTx) SetGRNReceived(ctx context.Context, id int64, receivedBy int64, at time.Time) error {
	g := t.repo.grns[id]
	g.ReceivedBy, g.ReceivedAt = receivedBy, at
	t.repo.grns[id] = g
	return nil
}

func (t *memoryProcTx) SetGRNInspection(ctx context.Context, id int64, inspectedBy int64, at time.Time, quality QualityStatus, reason string) error {
	g := t.repo.grns[id]
	g.InspectedBy, g.InspectedAt, g.QualityStatus, g.RejectionReason = inspectedBy, at, quality, reason
	t.repo.grns[id] = g
	return nil
}

func (t *memoryProcTx) SetGRNLineOutcome(ctx context.Context, lineID int64, acceptedQty, rejectedQty float64) error {
	for grnID, lines := range t.repo.grnLines {
		for i, line := range lines {
			if line.ID == lineID {
				lines[i].AcceptedQty, lines[i].RejectedQty = acceptedQty, rejectedQty
				t.repo.grnLines[grnID] = lines
				return nil
			}
		}
	}
	return ErrNotFound
}

func (t *memoryProcTx) SetGRNReturned(ctx context.Context, id int64, at time.Time) error {
	g := t.repo.grns[id]
	g.ReturnedAt = at
	t.repo.grns[id] = g
	return nil
}

func (t *memoryProcTx) DeleteGRN(ctx context.Context, id int64) error {
	if _, ok := t.repo.grns[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.grns, id)
	delete(t.repo.grnLines, id)
	return nil
}

func (t *memoryProcTx) AdjustItemStock(ctx context.Context, itemID int64, delta float64) error {
	if t.repo.failStock {
		return errors.New("simulated stock failure")
	}
	t.repo.stock[itemID] += delta
	return nil
}

func (t *memoryProcTx) CreatePayment(ctx context.Context, p PurchasePayment) (int64, error) {
	p.ID = t.id()
	t.repo.payments[p.ID] = p
	return p.ID, nil
}

func (t *memoryProcTx) UpdatePaymentState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	p, ok := t.repo.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrStaleState
	}
	p.Status, p.Approval = state.Status, state.Approval
	t.repo.payments[id] = p
	return nil
}

func (t *memoryProcTx) SetPaymentApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	p := t.repo.payments[id]
	p.ApprovedBy, p.ApprovedAt, p.ApprovalRemarks = approvedBy, at, remarks
	t.repo.payments[id] = p
	return nil
}

func (t *memoryProcTx) SetPaymentReceived(ctx context.Context, id int64, at time.Time) error {
	p := t.repo.payments[id]
	p.ReceivedAt = at
	t.repo.payments[id] = p
	return nil
}

func (t *memoryProcTx) DeletePayment(ctx context.Context, id int64) error {
	if _, ok := t.repo.payments[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.payments, id)
	return nil
}

// memoryIdemStore mimics the shared store's duplicate detection.
type memoryIdemStore struct{ keys map[string]bool }

func newMemoryIdemStore() *memoryIdemStore {
	return &memoryIdemStore{keys: make(map[string]bool)}
}

func (s *memoryIdemStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memoryIdemStore) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

func newTestService(repo *memoryProcRepo, idem IdempotencyPort) *Service {
	svc := NewService(repo, nil, nil, idem, nil)
	svc.now = func() time.Time { return time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC) }
	return svc
}

func createTestIntent(t *testing.T, svc *Service) PurchaseIntent {
	t.Helper()
	p, err := svc.CreateIntent(context.Background(), CreateIntentInput{
		VendorID:  3,
		Note:      "restock bearings",
		CreatedBy: 7,
		Lines: []LineInput{
			{ItemID: 21, Description: "bearing 6204", Qty: 50, UnitPrice: 4.2},
			{ItemID: 22, Description: "grease tube", Qty: 10, UnitPrice: 8},
		},
	})
	require.NoError(t, err)
	return p
}

func approveIntent(t *testing.T, svc *Service, id int64) {
	t.Helper()
	ctx := context.Background()
	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval} {
		_, err := svc.TransitionIntent(ctx, id, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}
	_, err := svc.TransitionIntent(ctx, id, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)
}

func TestIntentApproveDoesNotOverwriteConcurrentCancel(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	p := createTestIntent(t, svc)
	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval} {
		_, err := svc.TransitionIntent(ctx, p.ID, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}

	// Another request cancels in the window between our read and the
	// write transaction.
	repo.beforeTx = func() {
		cur := repo.intents[p.ID]
		cur.Status = IntentCancelled
		repo.intents[p.ID] = cur
	}

	_, err := svc.TransitionIntent(ctx, p.ID, OpApprove, TransitionInput{ActorID: 9})
	require.ErrorIs(t, err, ErrStaleState)
	require.Equal(t, IntentCancelled, repo.intents[p.ID].Status)
}

func TestCreateIntentAssignsMonthlyNumber(t *testing.T) {
	svc := newTestService(newMemoryProcRepo(), nil)
	p := createTestIntent(t, svc)
	require.Equal(t, "PI2025030001", p.Number)
	require.Equal(t, IntentDraft, p.Status)
	require.Equal(t, docflow.ApprovalNotRequired, p.Approval)
}

func TestIntentApproveBeforeSubmissionFails(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	p := createTestIntent(t, svc)

	_, err := svc.TransitionIntent(context.Background(), p.ID, OpApprove, TransitionInput{ActorID: 9})
	require.ErrorIs(t, err, docflow.ErrInvalidTransition)

	var ite *docflow.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, IntentDraft, ite.Current)
	require.Contains(t, ite.Allowed, IntentPendingApproval)
	require.Equal(t, IntentDraft, repo.intents[p.ID].Status)
}

func TestIntentConversionExactlyOnce(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	p := createTestIntent(t, svc)
	approveIntent(t, svc, p.ID)

	po, err := svc.ConvertIntentToPurchaseOrder(ctx, p.ID, ConvertIntentInput{ActorID: 7, Currency: "EUR"})
	require.NoError(t, err)
	require.Equal(t, "PO2025030001", po.Number)
	require.Equal(t, PODraft, po.Status)
	require.Equal(t, "EUR", po.Currency)
	require.Equal(t, p.ID, po.IntentID)

	lines := repo.poLines[po.ID]
	require.Len(t, lines, 2)
	require.Equal(t, 50.0*4.2, lines[0].Total)

	converted := repo.intents[p.ID]
	require.Equal(t, IntentConverted, converted.Status)
	require.Equal(t, po.ID, converted.PurchaseOrderID)

	_, err = svc.ConvertIntentToPurchaseOrder(ctx, p.ID, ConvertIntentInput{ActorID: 7})
	require.ErrorIs(t, err, docflow.ErrAlreadyConverted)
}

func TestIntentConvertRequiresApproved(t *testing.T) {
	svc := newTestService(newMemoryProcRepo(), nil)
	p := createTestIntent(t, svc)

	_, err := svc.ConvertIntentToPurchaseOrder(context.Background(), p.ID, ConvertIntentInput{ActorID: 7})
	require.ErrorIs(t, err, docflow.ErrNotEligible)
}

func TestIntentConversionRollsBackOnLineFailure(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	p := createTestIntent(t, svc)
	approveIntent(t, svc, p.ID)

	repo.failPOLineAt = 2
	_, err := svc.ConvertIntentToPurchaseOrder(ctx, p.ID, ConvertIntentInput{ActorID: 7})
	require.Error(t, err)

	stored := repo.intents[p.ID]
	require.Equal(t, IntentApproved, stored.Status)
	require.Zero(t, stored.PurchaseOrderID)
	require.Empty(t, repo.pos)
	require.Empty(t, repo.poLines)
}

func createApprovedPO(t *testing.T, svc *Service) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := svc.CreatePO(ctx, CreatePOInput{
		VendorID:  3,
		CreatedBy: 7,
		Lines: []LineInput{
			{ItemID: 21, Description: "bearing 6204", Qty: 50, UnitPrice: 4.2},
			{ItemID: 22, Description: "grease tube", Qty: 10, UnitPrice: 8},
		},
	})
	require.NoError(t, err)
	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval} {
		po, err = svc.TransitionPO(ctx, po.ID, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}
	po, err = svc.TransitionPO(ctx, po.ID, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, POApproved, po.Status)
	return po
}

func createReceivedGRN(t *testing.T, svc *Service, poID int64) GoodsReceiptNote {
	t.Helper()
	ctx := context.Background()
	g, err := svc.CreateGRN(ctx, CreateGRNInput{
		POID:      poID,
		CreatedBy: 7,
		Lines: []GRNLineInput{
			{ItemID: 21, OrderedQty: 50, ReceivedQty: 48, UnitCost: 4.2},
			{ItemID: 22, OrderedQty: 10, ReceivedQty: 10, UnitCost: 8},
		},
	})
	require.NoError(t, err)
	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval, OpApprove, OpMarkReceived} {
		g, err = svc.TransitionGRN(ctx, g.ID, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}
	require.Equal(t, GRNReceived, g.Status)
	return g
}

func TestGRNRequiresApprovedPO(t *testing.T) {
	svc := newTestService(newMemoryProcRepo(), nil)
	ctx := context.Background()
	po, err := svc.CreatePO(ctx, CreatePOInput{
		VendorID:  3,
		CreatedBy: 7,
		Lines:     []LineInput{{ItemID: 21, Qty: 5, UnitPrice: 1}},
	})
	require.NoError(t, err)

	_, err = svc.CreateGRN(ctx, CreateGRNInput{
		POID:      po.ID,
		CreatedBy: 7,
		Lines:     []GRNLineInput{{ItemID: 21, OrderedQty: 5, ReceivedQty: 5}},
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestGRNReceivedQtyCannotExceedOrdered(t *testing.T) {
	svc := newTestService(newMemoryProcRepo(), nil)
	po := createApprovedPO(t, svc)

	_, err := svc.CreateGRN(context.Background(), CreateGRNInput{
		POID:      po.ID,
		CreatedBy: 7,
		Lines:     []GRNLineInput{{ItemID: 21, OrderedQty: 50, ReceivedQty: 55}},
	})
	require.True(t, docflow.IsValidation(err))
}

func TestGRNInspectionPassAcceptsAndPostsStock(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	po := createApprovedPO(t, svc)
	g := createReceivedGRN(t, svc, po.ID)
	require.Equal(t, "GRN2025030001", g.Number)

	g, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{ActorID: 8, Quality: QualityPassed})
	require.NoError(t, err)
	require.Equal(t, GRNAccepted, g.Status)
	require.Equal(t, QualityPassed, g.QualityStatus)

	lines := repo.grnLines[g.ID]
	require.Equal(t, 48.0, lines[0].AcceptedQty)
	require.Zero(t, lines[0].RejectedQty)
	require.Equal(t, 48.0, repo.stock[21])
	require.Equal(t, 10.0, repo.stock[22])
}

func TestGRNInspectionFailRejectsAndReturns(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	po := createApprovedPO(t, svc)
	g := createReceivedGRN(t, svc, po.ID)

	_, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{ActorID: 8, Quality: QualityFailed})
	require.True(t, docflow.IsValidation(err))

	g, err = svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID:         8,
		Quality:         QualityFailed,
		RejectionReason: "water damage in transit",
	})
	require.NoError(t, err)
	require.Equal(t, GRNRejected, g.Status)
	require.Equal(t, "water damage in transit", g.RejectionReason)

	lines := repo.grnLines[g.ID]
	require.Zero(t, lines[0].AcceptedQty)
	require.Equal(t, 48.0, lines[0].RejectedQty)
	require.Empty(t, repo.stock)

	g, err = svc.TransitionGRN(ctx, g.ID, OpReturnGoods, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, GRNReturned, g.Status)
	require.False(t, g.ReturnedAt.IsZero())
}

func TestGRNInspectionIdempotency(t *testing.T) {
	repo := newMemoryProcRepo()
	idem := newMemoryIdemStore()
	svc := newTestService(repo, idem)
	ctx := context.Background()
	po := createApprovedPO(t, svc)
	g := createReceivedGRN(t, svc, po.ID)

	_, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.NoError(t, err)

	_, err = svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.NotErrorIs(t, err, docflow.ErrInvalidTransition)
	require.Equal(t, 48.0, repo.stock[21])
}

func TestGRNInspectionIneligibleAttemptReleasesKey(t *testing.T) {
	repo := newMemoryProcRepo()
	idem := newMemoryIdemStore()
	svc := newTestService(repo, idem)
	ctx := context.Background()
	po := createApprovedPO(t, svc)
	g, err := svc.CreateGRN(ctx, CreateGRNInput{
		POID:      po.ID,
		CreatedBy: 7,
		Lines: []GRNLineInput{
			{ItemID: 21, OrderedQty: 50, ReceivedQty: 48, UnitCost: 4.2},
		},
	})
	require.NoError(t, err)

	// Not yet RECEIVED, so the first attempt fails the transition check
	// and must not burn the key for the eventual valid retry.
	_, err = svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.ErrorIs(t, err, docflow.ErrInvalidTransition)

	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval, OpApprove, OpMarkReceived} {
		_, err = svc.TransitionGRN(ctx, g.ID, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}

	g2, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.NoError(t, err)
	require.Equal(t, GRNAccepted, g2.Status)
}

func TestGRNInspectionFailureReleasesIdempotencyKey(t *testing.T) {
	repo := newMemoryProcRepo()
	idem := newMemoryIdemStore()
	svc := newTestService(repo, idem)
	ctx := context.Background()
	po := createApprovedPO(t, svc)
	g := createReceivedGRN(t, svc, po.ID)

	repo.failStock = true
	_, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.Error(t, err)
	require.Equal(t, GRNReceived, repo.grns[g.ID].Status)
	require.Empty(t, repo.stock)

	repo.failStock = false
	g2, err := svc.CompleteInspection(ctx, g.ID, InspectionInput{
		ActorID: 8, Quality: QualityPassed, IdempotencyKey: "grn-1-inspect",
	})
	require.NoError(t, err)
	require.Equal(t, GRNAccepted, g2.Status)
	require.Equal(t, 48.0, repo.stock[21])
}

func TestPaymentLifecycle(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	po := createApprovedPO(t, svc)

	p, err := svc.CreatePayment(ctx, CreatePaymentInput{
		POID: po.ID, Amount: 290, Method: "bank_transfer", Reference: "TXN-4411", CreatedBy: 7,
	})
	require.NoError(t, err)
	require.Equal(t, "PP2025030001", p.Number)
	require.Equal(t, PaymentPending, p.Status)

	p, err = svc.TransitionPayment(ctx, p.ID, OpSubmit, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, PaymentPendingReview, p.Status)
	require.Equal(t, docflow.ApprovalPending, p.Approval)

	p, err = svc.TransitionPayment(ctx, p.ID, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, PaymentApproved, p.Status)

	p, err = svc.TransitionPayment(ctx, p.ID, OpMarkReceived, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, PaymentReceived, p.Status)
	require.False(t, p.ReceivedAt.IsZero())

	p, err = svc.TransitionPayment(ctx, p.ID, OpMarkBounced, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, PaymentBounced, p.Status)
}

func TestPaymentAmountMustBePositive(t *testing.T) {
	svc := newTestService(newMemoryProcRepo(), nil)
	po := createApprovedPO(t, svc)

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		POID: po.ID, Amount: 0, Method: "cheque", CreatedBy: 7,
	})
	require.True(t, docflow.IsValidation(err))
}

func TestDeletePaymentOnlyWhilePending(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	po := createApprovedPO(t, svc)

	p, err := svc.CreatePayment(ctx, CreatePaymentInput{POID: po.ID, Amount: 100, Method: "cash", CreatedBy: 7})
	require.NoError(t, err)
	_, err = svc.TransitionPayment(ctx, p.ID, OpSubmit, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeletePayment(ctx, p.ID, 7), ErrInvalidState)
}
