package sales

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

// memorySalesRepo implements RepositoryPort with copy-on-write transactions:
// WithTx snapshots all maps and restores them when fn fails, matching the
// rollback guarantee of the real repository.
type memorySalesRepo struct {
	enquiries      map[int64]Enquiry
	enquiryLines   map[int64][]EnquiryLine
	quotations     map[int64]Quotation
	quotationLines map[int64][]QuotationLine
	orders         map[int64]SalesOrder
	orderLines     map[int64][]SalesOrderLine
	seqs           map[string]int64
	nextID         int64

	failOrderLineAt int // 1-based call index that errors, 0 disables

	beforeTx func() // runs once before the next transaction begins
	orderLineCalls  int
}

func newMemorySalesRepo() *memorySalesRepo {
	return &memorySalesRepo{
		enquiries:      make(map[int64]Enquiry),
		enquiryLines:   make(map[int64][]EnquiryLine),
		quotations:     make(map[int64]Quotation),
		quotationLines: make(map[int64][]QuotationLine),
		orders:         make(map[int64]SalesOrder),
		orderLines:     make(map[int64][]SalesOrderLine),
		seqs:           make(map[string]int64),
	}
}

type memorySalesTx struct {
	repo *memorySalesRepo
}

func (r *memorySalesRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.beforeTx != nil {
		r.beforeTx()
		r.beforeTx = nil
	}
	snapshot := r.clone()
	if err := fn(ctx, &memorySalesTx{repo: r}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

func (r *memorySalesRepo) clone() *memorySalesRepo {
	c := newMemorySalesRepo()
	for k, v := range r.enquiries {
		c.enquiries[k] = v
	}
	for k, v := range r.enquiryLines {
		c.enquiryLines[k] = append([]EnquiryLine(nil), v...)
	}
	for k, v := range r.quotations {
		c.quotations[k] = v
	}
	for k, v := range r.quotationLines {
		c.quotationLines[k] = append([]QuotationLine(nil), v...)
	}
	for k, v := range r.orders {
		c.orders[k] = v
	}
	for k, v := range r.orderLines {
		c.orderLines[k] = append([]SalesOrderLine(nil), v...)
	}
	for k, v := range r.seqs {
		c.seqs[k] = v
	}
	c.nextID = r.nextID
	return c
}

func (r *memorySalesRepo) restore(s *memorySalesRepo) {
	r.enquiries = s.enquiries
	r.enquiryLines = s.enquiryLines
	r.quotations = s.quotations
	r.quotationLines = s.quotationLines
	r.orders = s.orders
	r.orderLines = s.orderLines
	r.seqs = s.seqs
	r.nextID = s.nextID
}

func (r *memorySalesRepo) GetEnquiry(ctx context.Context, id int64) (Enquiry, []EnquiryLine, error) {
	e, ok := r.enquiries[id]
	if !ok {
		return Enquiry{}, nil, ErrNotFound
	}
	return e, append([]EnquiryLine(nil), r.enquiryLines[id]...), nil
}

func (r *memorySalesRepo) GetQuotation(ctx context.Context, id int64) (Quotation, []QuotationLine, error) {
	q, ok := r.quotations[id]
	if !ok {
		return Quotation{}, nil, ErrNotFound
	}
	return q, append([]QuotationLine(nil), r.quotationLines[id]...), nil
}

func (r *memorySalesRepo) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, []SalesOrderLine, error) {
	o, ok := r.orders[id]
	if !ok {
		return SalesOrder{}, nil, ErrNotFound
	}
	return o, append([]SalesOrderLine(nil), r.orderLines[id]...), nil
}

func (r *memorySalesRepo) ListEnquiries(ctx context.Context, status docflow.Status, filters shared.ListFilters) ([]Enquiry, int, error) {
	var out []Enquiry
	for _, e := range r.enquiries {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

// seqRow feeds the sequence package's upsert through the in-memory counter.
type seqRow struct{ seq int64 }

func (r seqRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.seq
	return nil
}

type memorySeqDB struct{ repo *memorySalesRepo }

func (db memorySeqDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(string) + "|" + args[1].(string)
	db.repo.seqs[key]++
	return seqRow{seq: db.repo.seqs[key]}
}

func (t *memorySalesTx) NextNumber(ctx context.Context, kind sequence.Kind, at time.Time) (string, error) {
	return sequence.Next(ctx, memorySeqDB{repo: t.repo}, kind, at)
}

func (t *memorySalesTx) id() int64 {
	t.repo.nextID++
	return t.repo.nextID
}

func (t *memorySalesTx) CreateEnquiry(ctx context.Context, e Enquiry) (int64, error) {
	e.ID = t.id()
	t.repo.enquiries[e.ID] = e
	return e.ID, nil
}

func (t *memorySalesTx) InsertEnquiryLine(ctx context.Context, line EnquiryLine) error {
	line.ID = t.id()
	t.repo.enquiryLines[line.EnquiryID] = append(t.repo.enquiryLines[line.EnquiryID], line)
	return nil
}

func (t *memorySalesTx) UpdateEnquiryHeader(ctx context.Context, id int64, e Enquiry) error {
	cur, ok := t.repo.enquiries[id]
	if !ok {
		return ErrNotFound
	}
	cur.ClientID, cur.ContactID, cur.Subject, cur.Description = e.ClientID, e.ContactID, e.Subject, e.Description
	t.repo.enquiries[id] = cur
	return nil
}

func (t *memorySalesTx) DeleteEnquiryLines(ctx context.Context, enquiryID int64) error {
	delete(t.repo.enquiryLines, enquiryID)
	return nil
}

func (t *memorySalesTx) UpdateEnquiryState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	e, ok := t.repo.enquiries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrStaleState
	}
	e.Status, e.Approval = state.Status, state.Approval
	t.repo.enquiries[id] = e
	return nil
}

func (t *memorySalesTx) SetEnquiryApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	e := t.repo.enquiries[id]
	e.ApprovedBy, e.ApprovedAt, e.ApprovalRemarks = approvedBy, at, remarks
	t.repo.enquiries[id] = e
	return nil
}

func (t *memorySalesTx) MarkEnquiryConverted(ctx context.Context, id int64, quotationID int64, at time.Time) error {
	e, ok := t.repo.enquiries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != EnquiryApproved {
		return ErrStaleState
	}
	e.Status, e.QuotationID, e.ConvertedAt = EnquiryConverted, quotationID, at
	t.repo.enquiries[id] = e
	return nil
}

func (t *memorySalesTx) DeleteEnquiry(ctx context.Context, id int64) error {
	if _, ok := t.repo.enquiries[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.enquiries, id)
	delete(t.repo.enquiryLines, id)
	return nil
}

func (t *memorySalesTx) QuotationExistsForEnquiry(ctx context.Context, enquiryID int64) (bool, error) {
	for _, q := range t.repo.quotations {
		if q.EnquiryID == enquiryID && q.Status != QuotationCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memorySalesTx) CreateQuotation(ctx context.Context, q Quotation) (int64, error) {
	q.ID = t.id()
	t.repo.quotations[q.ID] = q
	return q.ID, nil
}

func (t *memorySalesTx) InsertQuotationLine(ctx context.Context, line QuotationLine) error {
	line.ID = t.id()
	t.repo.quotationLines[line.QuotationID] = append(t.repo.quotationLines[line.QuotationID], line)
	return nil
}

func (t *memorySalesTx) UpdateQuotationHeader(ctx context.Context, id int64, q Quotation) error {
	cur, ok := t.repo.quotations[id]
	if !ok {
		return ErrNotFound
	}
	cur.ClientID, cur.ContactID, cur.ValidUntil = q.ClientID, q.ContactID, q.ValidUntil
	t.repo.quotations[id] = cur
	return nil
}

func (t *memorySalesTx) DeleteQuotationLines(ctx context.Context, quotationID int64) error {
	delete(t.repo.quotationLines, quotationID)
	return nil
}

func (t *memorySalesTx) UpdateQuotationState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	q, ok := t.repo.quotations[id]
	if !ok {
		return ErrNotFound
	}
	if q.Status != from {
		return ErrStaleState
	}
	q.Status, q.Approval = state.Status, state.Approval
	t.repo.quotations[id] = q
	return nil
}

func (t *memorySalesTx) SetQuotationApproval(ctx context.Context, id int64, approvedBy int64, at time.Time, remarks string) error {
	q := t.repo.quotations[id]
	q.ApprovedBy, q.ApprovedAt, q.ApprovalRemarks = approvedBy, at, remarks
	t.repo.quotations[id] = q
	return nil
}

func (t *memorySalesTx) MarkQuotationConverted(ctx context.Context, id int64, salesOrderID int64, at time.Time) error {
	q, ok := t.repo.quotations[id]
	if !ok {
		return ErrNotFound
	}
	if q.Status != QuotationApproved {
		return ErrStaleState
	}
	q.Status, q.SalesOrderID, q.ConvertedAt = QuotationConverted, salesOrderID, at
	t.repo.quotations[id] = q
	return nil
}

func (t *memorySalesTx) DeleteQuotation(ctx context.Context, id int64) error {
	if _, ok := t.repo.quotations[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.quotations, id)
	delete(t.repo.quotationLines, id)
	return nil
}

func (t *memorySalesTx) OrderExistsForQuotation(ctx context.Context, quotationID int64) (bool, error) {
	for _, o := range t.repo.orders {
		if o.QuotationID == quotationID && o.Status != OrderCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memorySalesTx) CreateSalesOrder(ctx context.Context, o SalesOrder) (int64, error) {
	o.ID = t.id()
	t.repo.orders[o.ID] = o
	return o.ID, nil
}

func (t *memorySalesTx) InsertSalesOrderLine(ctx context.Context, line SalesOrderLine) error {
	t.repo.orderLineCalls++
	if t.repo.failOrderLineAt > 0 && t.repo.orderLineCalls >= t.repo.failOrderLineAt {
		return errors.New("simulated line failure")
	}
	line.ID = t.id()
	t.repo.orderLines[line.SalesOrderID] = append(t.repo.orderLines[line.SalesOrderID], line)
	return nil
}

func (t *memorySalesTx) UpdateSalesOrderState(ctx context.Context, id int64, from docflow.Status, state docflow.State) error {
	o, ok := t.repo.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStaleState
	}
	o.Status = state.Status
	t.repo.orders[id] = o
	return nil
}

func newTestService(repo *memorySalesRepo) *Service {
	svc := NewService(repo, nil, nil, nil)
	svc.now = func() time.Time { return time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC) }
	return svc
}

func createTestEnquiry(t *testing.T, svc *Service) Enquiry {
	t.Helper()
	e, err := svc.CreateEnquiry(context.Background(), CreateEnquiryInput{
		ClientID:  1,
		ContactID: 2,
		Subject:   "pump spares",
		CreatedBy: 7,
		Lines: []EnquiryLineInput{
			{ItemID: 11, Description: "impeller", Qty: 4, TargetPrice: 120},
			{ItemID: 12, Description: "seal kit", Qty: 2, TargetPrice: 35.5},
		},
	})
	require.NoError(t, err)
	return e
}

func TestCreateEnquiryAssignsYearlyNumber(t *testing.T) {
	svc := newTestService(newMemorySalesRepo())
	e := createTestEnquiry(t, svc)
	require.Equal(t, "EN-2025-00001", e.Number)
	require.Equal(t, EnquiryDraft, e.Status)
	require.Equal(t, docflow.ApprovalNotRequired, e.Approval)
}

func TestEnquiryRejectBeforeApprovalStageFails(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	e := createTestEnquiry(t, svc)

	e, err := svc.TransitionEnquiry(ctx, e.ID, OpSubmit, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, EnquiryPendingReview, e.Status)

	_, err = svc.TransitionEnquiry(ctx, e.ID, OpReject, TransitionInput{ActorID: 8, Remarks: "insufficient budget"})
	require.ErrorIs(t, err, docflow.ErrInvalidTransition)

	var ite *docflow.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, EnquiryPendingReview, ite.Current)
	require.Contains(t, ite.Allowed, EnquiryPendingApproval)

	stored := repo.enquiries[e.ID]
	require.Equal(t, EnquiryPendingReview, stored.Status)
	require.Equal(t, docflow.ApprovalNotRequired, stored.Approval)
}

func TestEnquiryApproveDoesNotOverwriteConcurrentCancel(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	e := createTestEnquiry(t, svc)
	advanceEnquiryToPendingApproval(t, svc, e.ID)

	// Another request cancels in the window between our read and the
	// write transaction.
	repo.beforeTx = func() {
		cur := repo.enquiries[e.ID]
		cur.Status = EnquiryCancelled
		repo.enquiries[e.ID] = cur
	}

	_, err := svc.TransitionEnquiry(ctx, e.ID, OpApprove, TransitionInput{ActorID: 9})
	require.ErrorIs(t, err, ErrStaleState)
	require.Equal(t, EnquiryCancelled, repo.enquiries[e.ID].Status)
}

func TestRejectRequiresRemarks(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	e := createTestEnquiry(t, svc)
	advanceEnquiryToPendingApproval(t, svc, e.ID)

	_, err := svc.TransitionEnquiry(ctx, e.ID, OpReject, TransitionInput{ActorID: 8})
	require.True(t, docflow.IsValidation(err))
	require.Equal(t, EnquiryPendingApproval, repo.enquiries[e.ID].Status)
}

func advanceEnquiryToPendingApproval(t *testing.T, svc *Service, id int64) {
	t.Helper()
	ctx := context.Background()
	for _, op := range []docflow.Operation{OpSubmit, OpMarkUnderReview, OpMarkPendingApproval} {
		_, err := svc.TransitionEnquiry(ctx, id, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}
}

func TestEnquiryConversionExactlyOnce(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	e := createTestEnquiry(t, svc)
	advanceEnquiryToPendingApproval(t, svc, e.ID)

	_, err := svc.TransitionEnquiry(ctx, e.ID, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)

	q, err := svc.ConvertEnquiryToQuotation(ctx, e.ID, ConvertEnquiryInput{
		ActorID:    7,
		UnitPrices: map[int64]float64{11: 150},
	})
	require.NoError(t, err)
	require.Equal(t, "QT-2025-00001", q.Number)
	require.Equal(t, QuotationDraft, q.Status)
	require.Equal(t, docflow.ApprovalNotRequired, q.Approval)
	require.Equal(t, e.ID, q.EnquiryID)

	lines := repo.quotationLines[q.ID]
	require.Len(t, lines, 2)
	require.Equal(t, 150.0, lines[0].UnitPrice)
	require.Equal(t, 600.0, lines[0].Total)
	require.Equal(t, 35.5, lines[1].UnitPrice)

	converted := repo.enquiries[e.ID]
	require.Equal(t, EnquiryConverted, converted.Status)
	require.Equal(t, q.ID, converted.QuotationID)

	_, err = svc.ConvertEnquiryToQuotation(ctx, e.ID, ConvertEnquiryInput{ActorID: 7})
	require.ErrorIs(t, err, docflow.ErrAlreadyConverted)
}

func TestEnquiryConversionNotEligibleWhileInReview(t *testing.T) {
	svc := newTestService(newMemorySalesRepo())
	ctx := context.Background()
	e := createTestEnquiry(t, svc)

	_, err := svc.ConvertEnquiryToQuotation(ctx, e.ID, ConvertEnquiryInput{ActorID: 7})
	require.ErrorIs(t, err, docflow.ErrNotEligible)
}

func createApprovedQuotation(t *testing.T, svc *Service) Quotation {
	t.Helper()
	ctx := context.Background()
	q, err := svc.CreateQuotation(ctx, CreateQuotationInput{
		ClientID:  1,
		CreatedBy: 7,
		Lines: []QuotationLineInput{
			{ItemID: 11, Qty: 3, UnitPrice: 100},
			{ItemID: 12, Qty: 1, UnitPrice: 250},
		},
	})
	require.NoError(t, err)
	for _, op := range []docflow.Operation{OpSubmit, OpSubmitForApproval} {
		q, err = svc.TransitionQuotation(ctx, q.ID, op, TransitionInput{ActorID: 7})
		require.NoError(t, err)
	}
	q, err = svc.TransitionQuotation(ctx, q.ID, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, QuotationApproved, q.Status)
	require.Equal(t, docflow.ApprovalApproved, q.Approval)
	return q
}

func TestQuotationToSalesOrderExactlyOnce(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	q := createApprovedQuotation(t, svc)

	o, err := svc.ConvertQuotationToSalesOrder(ctx, q.ID, 7)
	require.NoError(t, err)
	require.Equal(t, "SO-2025-00001", o.Number)
	require.Equal(t, OrderDraft, o.Status)
	require.Equal(t, 550.0, o.Total)
	require.Len(t, repo.orderLines[o.ID], 2)
	require.Equal(t, QuotationConverted, repo.quotations[q.ID].Status)

	_, err = svc.ConvertQuotationToSalesOrder(ctx, q.ID, 7)
	require.ErrorIs(t, err, docflow.ErrAlreadyConverted)
}

func TestQuotationConvertRequiresApproved(t *testing.T) {
	svc := newTestService(newMemorySalesRepo())
	ctx := context.Background()
	q, err := svc.CreateQuotation(ctx, CreateQuotationInput{
		ClientID:  1,
		CreatedBy: 7,
		Lines:     []QuotationLineInput{{ItemID: 11, Qty: 1, UnitPrice: 10}},
	})
	require.NoError(t, err)

	_, err = svc.ConvertQuotationToSalesOrder(ctx, q.ID, 7)
	require.ErrorIs(t, err, docflow.ErrNotEligible)
}

func TestConversionRollsBackOnLineFailure(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	q := createApprovedQuotation(t, svc)

	repo.failOrderLineAt = 2
	_, err := svc.ConvertQuotationToSalesOrder(ctx, q.ID, 7)
	require.Error(t, err)

	stored := repo.quotations[q.ID]
	require.Equal(t, QuotationApproved, stored.Status)
	require.Zero(t, stored.SalesOrderID)
	require.Empty(t, repo.orders)
	require.Empty(t, repo.orderLines)
}

func TestNumberImmutableAcrossTransitions(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	e := createTestEnquiry(t, svc)
	number := e.Number

	advanceEnquiryToPendingApproval(t, svc, e.ID)
	_, err := svc.TransitionEnquiry(ctx, e.ID, OpApprove, TransitionInput{ActorID: 9})
	require.NoError(t, err)

	require.Equal(t, number, repo.enquiries[e.ID].Number)
}

func TestDeleteEnquiryOnlyFromDraft(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	e := createTestEnquiry(t, svc)
	_, err := svc.TransitionEnquiry(ctx, e.ID, OpSubmit, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteEnquiry(ctx, e.ID, 7), ErrInvalidState)

	e2 := createTestEnquiry(t, svc)
	require.NoError(t, svc.DeleteEnquiry(ctx, e2.ID, 7))
	_, _, err = svc.GetEnquiry(ctx, e2.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSalesOrderConfirmAndCancel(t *testing.T) {
	repo := newMemorySalesRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	q := createApprovedQuotation(t, svc)
	o, err := svc.ConvertQuotationToSalesOrder(ctx, q.ID, 7)
	require.NoError(t, err)

	o, err = svc.TransitionSalesOrder(ctx, o.ID, OpConfirm, TransitionInput{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, OrderConfirmed, o.Status)

	_, err = svc.TransitionSalesOrder(ctx, o.ID, OpConfirm, TransitionInput{ActorID: 7})
	require.ErrorIs(t, err, docflow.ErrInvalidTransition)
}
