package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/sequence"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEnquiry(ctx context.Context, id int64) (Enquiry, []EnquiryLine, error)
	GetQuotation(ctx context.Context, id int64) (Quotation, []QuotationLine, error)
	GetSalesOrder(ctx context.Context, id int64) (SalesOrder, []SalesOrderLine, error)
	ListEnquiries(ctx context.Context, status docflow.Status, filters shared.ListFilters) ([]Enquiry, int, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionObserver records transition outcomes for metrics.
type TransitionObserver interface {
	ObserveTransition(kind, operation string, err error)
}

// Service orchestrates the sales document workflow.
type Service struct {
	repo      RepositoryPort
	approvals *shared.ApprovalRecorder
	audit     AuditPort
	observer  TransitionObserver
	now       func() time.Time
}

// NewService constructs the sales service. approvals, audit and observer
// may be nil in tests.
func NewService(repo RepositoryPort, approvals *shared.ApprovalRecorder, audit AuditPort, observer TransitionObserver) *Service {
	return &Service{repo: repo, approvals: approvals, audit: audit, observer: observer, now: time.Now}
}

// EnquiryLineInput describes a requested item.
type EnquiryLineInput struct {
	ItemID      int64
	Description string
	Qty         float64
	TargetPrice float64
}

// CreateEnquiryInput describes enquiry creation payload.
type CreateEnquiryInput struct {
	ClientID    int64
	ContactID   int64
	Subject     string
	Description string
	CreatedBy   int64
	Lines       []EnquiryLineInput
}

// QuotationLineInput describes a priced item.
type QuotationLineInput struct {
	ItemID      int64
	Description string
	Qty         float64
	UnitPrice   float64
}

// CreateQuotationInput describes standalone quotation creation.
type CreateQuotationInput struct {
	ClientID   int64
	ContactID  int64
	ValidUntil time.Time
	CreatedBy  int64
	Lines      []QuotationLineInput
}

// TransitionInput carries the operation payload for lifecycle actions.
type TransitionInput struct {
	ActorID int64
	Remarks string
}

// ConvertEnquiryInput parameterises an Enquiry→Quotation conversion.
// UnitPrices overrides the copied price per item id; absent items fall back
// to the enquiry line's target price.
type ConvertEnquiryInput struct {
	ActorID    int64
	ValidUntil time.Time
	UnitPrices map[int64]float64
}

// CreateEnquiry persists the enquiry header and lines with a fresh EN
// number, starting in DRAFT with approval NOT_REQUIRED.
func (s *Service) CreateEnquiry(ctx context.Context, input CreateEnquiryInput) (Enquiry, error) {
	if input.ClientID == 0 {
		return Enquiry{}, &docflow.ValidationError{Field: "client_id", Reason: "required"}
	}
	if len(input.Lines) == 0 {
		return Enquiry{}, &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.TargetPrice); err != nil {
			return Enquiry{}, err
		}
	}

	now := s.now()
	e := Enquiry{
		ClientID:    input.ClientID,
		ContactID:   input.ContactID,
		Subject:     input.Subject,
		Description: input.Description,
		Status:      EnquiryDraft,
		Approval:    docflow.ApprovalNotRequired,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.Enquiry, now)
		if err != nil {
			return err
		}
		e.Number = number
		id, err := tx.CreateEnquiry(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertEnquiryLine(ctx, EnquiryLine{
				EnquiryID:   id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				TargetPrice: line.TargetPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Enquiry{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "ENQUIRY_CREATE", e.ID, map[string]any{"number": e.Number})
	return e, nil
}

// UpdateEnquiry replaces the header fields and line set. Permitted only
// while the document has not progressed past review.
func (s *Service) UpdateEnquiry(ctx context.Context, id int64, input CreateEnquiryInput) error {
	e, _, err := s.repo.GetEnquiry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != EnquiryDraft && e.Status != EnquiryPendingReview {
		return fmt.Errorf("%w: enquiry %s is %s", ErrInvalidState, e.Number, e.Status)
	}
	if len(input.Lines) == 0 {
		return &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.TargetPrice); err != nil {
			return err
		}
	}
	updated := e
	updated.ClientID = input.ClientID
	updated.ContactID = input.ContactID
	updated.Subject = input.Subject
	updated.Description = input.Description
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateEnquiryHeader(ctx, id, updated); err != nil {
			return err
		}
		if err := tx.DeleteEnquiryLines(ctx, id); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertEnquiryLine(ctx, EnquiryLine{
				EnquiryID:   id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				TargetPrice: line.TargetPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEnquiry removes a draft enquiry. Documents past DRAFT keep their
// history and must be cancelled instead.
func (s *Service) DeleteEnquiry(ctx context.Context, id int64, actorID int64) error {
	e, _, err := s.repo.GetEnquiry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != EnquiryDraft {
		return fmt.Errorf("%w: enquiry %s is %s, cancel it instead", ErrInvalidState, e.Number, e.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteEnquiry(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "ENQUIRY_DELETE", id, map[string]any{"number": e.Number})
	return nil
}

// TransitionEnquiry applies a named lifecycle operation. The machine is
// consulted before any write; an illegal operation leaves the document
// untouched and reports the allowed source states.
func (s *Service) TransitionEnquiry(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (Enquiry, error) {
	e, _, err := s.repo.GetEnquiry(ctx, id)
	if err != nil {
		return Enquiry{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return Enquiry{}, err
	}
	next, err := enquiryMachine.Apply(e.State(), op)
	s.observeTransition("enquiry", op, err)
	if err != nil {
		return Enquiry{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateEnquiryState(ctx, id, e.Status, next); err != nil {
			return err
		}
		if op == OpApprove || op == OpReject {
			if err := tx.SetEnquiryApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Enquiry{}, err
	}

	s.recordApproval(ctx, "ENQUIRY", id, op, input, e.Number)
	s.recordAudit(ctx, input.ActorID, "ENQUIRY_"+string(op), id, map[string]any{
		"number": e.Number, "from": string(e.Status), "to": string(next.Status),
	})
	e.Status = next.Status
	e.Approval = next.Approval
	e.UpdatedAt = now
	return e, nil
}

// ConvertEnquiryToQuotation materialises a quotation from an eligible
// enquiry in one transaction: the quotation and its copied lines are
// created and the enquiry is stamped converted, or nothing persists.
func (s *Service) ConvertEnquiryToQuotation(ctx context.Context, enquiryID int64, input ConvertEnquiryInput) (Quotation, error) {
	e, lines, err := s.repo.GetEnquiry(ctx, enquiryID)
	if err != nil {
		return Quotation{}, err
	}
	if err := enquiryConvertible(e); err != nil {
		s.observeTransition("enquiry", OpConvert, err)
		return Quotation{}, err
	}
	if len(lines) == 0 {
		return Quotation{}, &docflow.ValidationError{Field: "lines", Reason: "enquiry has no lines to convert"}
	}

	now := s.now()
	q := Quotation{
		EnquiryID:  e.ID,
		ClientID:   e.ClientID,
		ContactID:  e.ContactID,
		Status:     QuotationDraft,
		Approval:   docflow.ApprovalNotRequired,
		ValidUntil: input.ValidUntil,
		CreatedBy:  input.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.QuotationExistsForEnquiry(ctx, enquiryID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("enquiry %s: %w", e.Number, docflow.ErrAlreadyConverted)
		}
		number, err := tx.NextNumber(ctx, sequence.Quotation, now)
		if err != nil {
			return err
		}
		q.Number = number
		id, err := tx.CreateQuotation(ctx, q)
		if err != nil {
			return err
		}
		q.ID = id
		for _, line := range lines {
			price := line.TargetPrice
			if override, ok := input.UnitPrices[line.ItemID]; ok {
				price = override
			}
			if price < 0 {
				return &docflow.ValidationError{Field: "unit_price", Reason: "must not be negative"}
			}
			if err := tx.InsertQuotationLine(ctx, QuotationLine{
				QuotationID: id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   price,
				Total:       line.Qty * price,
			}); err != nil {
				return err
			}
		}
		return tx.MarkEnquiryConverted(ctx, enquiryID, id, now)
	})
	s.observeTransition("enquiry", OpConvert, err)
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, input.ActorID, "ENQUIRY_CONVERT", enquiryID, map[string]any{
		"number": e.Number, "quotation": q.Number,
	})
	return q, nil
}

// CreateQuotation persists a standalone quotation (not derived from an
// enquiry) with a fresh QT number.
func (s *Service) CreateQuotation(ctx context.Context, input CreateQuotationInput) (Quotation, error) {
	if input.ClientID == 0 {
		return Quotation{}, &docflow.ValidationError{Field: "client_id", Reason: "required"}
	}
	if len(input.Lines) == 0 {
		return Quotation{}, &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return Quotation{}, err
		}
	}

	now := s.now()
	q := Quotation{
		ClientID:   input.ClientID,
		ContactID:  input.ContactID,
		Status:     QuotationDraft,
		Approval:   docflow.ApprovalNotRequired,
		ValidUntil: input.ValidUntil,
		CreatedBy:  input.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.Quotation, now)
		if err != nil {
			return err
		}
		q.Number = number
		id, err := tx.CreateQuotation(ctx, q)
		if err != nil {
			return err
		}
		q.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertQuotationLine(ctx, QuotationLine{
				QuotationID: id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
				Total:       line.Qty * line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Quotation{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "QUOTATION_CREATE", q.ID, map[string]any{"number": q.Number})
	return q, nil
}

// UpdateQuotation replaces header fields and the line set while the
// quotation is still editable.
func (s *Service) UpdateQuotation(ctx context.Context, id int64, input CreateQuotationInput) error {
	q, _, err := s.repo.GetQuotation(ctx, id)
	if err != nil {
		return err
	}
	if q.Status != QuotationDraft && q.Status != QuotationPendingReview {
		return fmt.Errorf("%w: quotation %s is %s", ErrInvalidState, q.Number, q.Status)
	}
	if len(input.Lines) == 0 {
		return &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return err
		}
	}
	updated := q
	updated.ClientID = input.ClientID
	updated.ContactID = input.ContactID
	updated.ValidUntil = input.ValidUntil
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateQuotationHeader(ctx, id, updated); err != nil {
			return err
		}
		if err := tx.DeleteQuotationLines(ctx, id); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertQuotationLine(ctx, QuotationLine{
				QuotationID: id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
				Total:       line.Qty * line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteQuotation removes a draft quotation.
func (s *Service) DeleteQuotation(ctx context.Context, id int64, actorID int64) error {
	q, _, err := s.repo.GetQuotation(ctx, id)
	if err != nil {
		return err
	}
	if q.Status != QuotationDraft {
		return fmt.Errorf("%w: quotation %s is %s, cancel it instead", ErrInvalidState, q.Number, q.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteQuotation(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "QUOTATION_DELETE", id, map[string]any{"number": q.Number})
	return nil
}

// TransitionQuotation applies a named lifecycle operation to a quotation.
func (s *Service) TransitionQuotation(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (Quotation, error) {
	q, _, err := s.repo.GetQuotation(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return Quotation{}, err
	}
	next, err := quotationMachine.Apply(q.State(), op)
	s.observeTransition("quotation", op, err)
	if err != nil {
		return Quotation{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateQuotationState(ctx, id, q.Status, next); err != nil {
			return err
		}
		if op == OpApprove || op == OpReject {
			if err := tx.SetQuotationApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Quotation{}, err
	}

	s.recordApproval(ctx, "QUOTATION", id, op, input, q.Number)
	s.recordAudit(ctx, input.ActorID, "QUOTATION_"+string(op), id, map[string]any{
		"number": q.Number, "from": string(q.Status), "to": string(next.Status),
	})
	q.Status = next.Status
	q.Approval = next.Approval
	q.UpdatedAt = now
	return q, nil
}

// ConvertQuotationToSalesOrder creates a sales order from an approved
// quotation, copying lines and totals, and marks the quotation converted.
// The whole conversion is one transaction.
func (s *Service) ConvertQuotationToSalesOrder(ctx context.Context, quotationID int64, actorID int64) (SalesOrder, error) {
	q, lines, err := s.repo.GetQuotation(ctx, quotationID)
	if err != nil {
		return SalesOrder{}, err
	}
	if q.Status == QuotationConverted {
		err := fmt.Errorf("quotation %s: %w", q.Number, docflow.ErrAlreadyConverted)
		s.observeTransition("quotation", OpConvert, err)
		return SalesOrder{}, err
	}
	if q.Status != QuotationApproved {
		err := fmt.Errorf("quotation %s is %s, must be APPROVED: %w", q.Number, q.Status, docflow.ErrNotEligible)
		s.observeTransition("quotation", OpConvert, err)
		return SalesOrder{}, err
	}
	if len(lines) == 0 {
		return SalesOrder{}, &docflow.ValidationError{Field: "lines", Reason: "quotation has no lines to convert"}
	}

	now := s.now()
	var total float64
	for _, line := range lines {
		total += line.Total
	}
	o := SalesOrder{
		QuotationID: q.ID,
		ClientID:    q.ClientID,
		Status:      OrderDraft,
		Total:       total,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.OrderExistsForQuotation(ctx, quotationID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("quotation %s: %w", q.Number, docflow.ErrAlreadyConverted)
		}
		number, err := tx.NextNumber(ctx, sequence.SalesOrder, now)
		if err != nil {
			return err
		}
		o.Number = number
		id, err := tx.CreateSalesOrder(ctx, o)
		if err != nil {
			return err
		}
		o.ID = id
		for _, line := range lines {
			if err := tx.InsertSalesOrderLine(ctx, SalesOrderLine{
				SalesOrderID: id,
				ItemID:       line.ItemID,
				Description:  line.Description,
				Qty:          line.Qty,
				UnitPrice:    line.UnitPrice,
				Total:        line.Total,
			}); err != nil {
				return err
			}
		}
		return tx.MarkQuotationConverted(ctx, quotationID, id, now)
	})
	s.observeTransition("quotation", OpConvert, err)
	if err != nil {
		return SalesOrder{}, err
	}
	s.recordAudit(ctx, actorID, "QUOTATION_CONVERT", quotationID, map[string]any{
		"number": q.Number, "sales_order": o.Number,
	})
	return o, nil
}

// TransitionSalesOrder applies confirm/cancel to a sales order.
func (s *Service) TransitionSalesOrder(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (SalesOrder, error) {
	o, _, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return SalesOrder{}, err
	}
	next, err := orderMachine.Apply(o.State(), op)
	s.observeTransition("sales_order", op, err)
	if err != nil {
		return SalesOrder{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateSalesOrderState(ctx, id, o.Status, next)
	})
	if err != nil {
		return SalesOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "ORDER_"+string(op), id, map[string]any{
		"number": o.Number, "from": string(o.Status), "to": string(next.Status),
	})
	o.Status = next.Status
	return o, nil
}

// GetEnquiry returns an enquiry with lines.
func (s *Service) GetEnquiry(ctx context.Context, id int64) (Enquiry, []EnquiryLine, error) {
	return s.repo.GetEnquiry(ctx, id)
}

// GetQuotation returns a quotation with lines.
func (s *Service) GetQuotation(ctx context.Context, id int64) (Quotation, []QuotationLine, error) {
	return s.repo.GetQuotation(ctx, id)
}

// GetSalesOrder returns a sales order with lines.
func (s *Service) GetSalesOrder(ctx context.Context, id int64) (SalesOrder, []SalesOrderLine, error) {
	return s.repo.GetSalesOrder(ctx, id)
}

// ListEnquiries returns a page of enquiries.
func (s *Service) ListEnquiries(ctx context.Context, status docflow.Status, filters shared.ListFilters) ([]Enquiry, int, error) {
	return s.repo.ListEnquiries(ctx, status, filters)
}

// EnquiryOperations lists the operations currently legal for an enquiry.
func (s *Service) EnquiryOperations(e Enquiry) []docflow.Operation {
	return enquiryMachine.Operations(e.State())
}

// QuotationOperations lists the operations currently legal for a quotation.
func (s *Service) QuotationOperations(q Quotation) []docflow.Operation {
	return quotationMachine.Operations(q.State())
}

func enquiryConvertible(e Enquiry) error {
	switch e.Status {
	case EnquiryConverted:
		return fmt.Errorf("enquiry %s: %w", e.Number, docflow.ErrAlreadyConverted)
	case EnquiryDraft, EnquiryPendingReview, EnquiryUnderReview:
		return fmt.Errorf("enquiry %s is still in review (%s): %w", e.Number, e.Status, docflow.ErrNotEligible)
	case EnquiryLost, EnquiryCancelled:
		return fmt.Errorf("enquiry %s is %s: %w", e.Number, e.Status, docflow.ErrNotEligible)
	}
	return nil
}

func validateLine(itemID int64, qty, price float64) error {
	if itemID == 0 {
		return &docflow.ValidationError{Field: "item_id", Reason: "required"}
	}
	if qty <= 0 {
		return &docflow.ValidationError{Field: "qty", Reason: "must be greater than zero"}
	}
	if price < 0 {
		return &docflow.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	return nil
}

func validateTransitionPayload(op docflow.Operation, input TransitionInput) error {
	if op == OpReject && input.Remarks == "" {
		return &docflow.ValidationError{Field: "approval_remarks", Reason: "required when rejecting"}
	}
	return nil
}

func (s *Service) recordApproval(ctx context.Context, module string, id int64, op docflow.Operation, input TransitionInput, number string) {
	if s.approvals == nil {
		return
	}
	ref := shared.ApprovalRef(module, id)
	switch op {
	case OpMarkPendingApproval, OpSubmitForApproval:
		_ = s.approvals.EnsureSubmit(ctx, module, ref, input.ActorID, fmt.Sprintf("%s %s submitted for approval", module, number))
	case OpApprove:
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: module, RefID: ref, ActorID: input.ActorID, Action: shared.ApprovalApprove, Note: input.Remarks})
	case OpReject:
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: module, RefID: ref, ActorID: input.ActorID, Action: shared.ApprovalReject, Note: input.Remarks})
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "sales", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func (s *Service) observeTransition(kind string, op docflow.Operation, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveTransition(kind, string(op), err)
}
