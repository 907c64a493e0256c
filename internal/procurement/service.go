package procurement

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
	GetIntent(ctx context.Context, id int64) (PurchaseIntent, []IntentLine, error)
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	GetGRN(ctx context.Context, id int64) (GoodsReceiptNote, []GRNLine, error)
	GetPayment(ctx context.Context, id int64) (PurchasePayment, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards side-effecting operations against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// TransitionObserver records transition outcomes for metrics.
type TransitionObserver interface {
	ObserveTransition(kind, operation string, err error)
}

// Service orchestrates the procurement document workflow.
type Service struct {
	repo      RepositoryPort
	approvals *shared.ApprovalRecorder
	audit     AuditPort
	idem      IdempotencyPort
	observer  TransitionObserver
	now       func() time.Time
}

// NewService constructs the procurement service. approvals, audit, idem
// and observer may be nil in tests.
func NewService(repo RepositoryPort, approvals *shared.ApprovalRecorder, audit AuditPort, idem IdempotencyPort, observer TransitionObserver) *Service {
	return &Service{repo: repo, approvals: approvals, audit: audit, idem: idem, observer: observer, now: time.Now}
}

// LineInput describes an item on an intent or order.
type LineInput struct {
	ItemID      int64
	Description string
	Qty         float64
	UnitPrice   float64
}

// CreateIntentInput describes purchase intent creation.
type CreateIntentInput struct {
	VendorID  int64
	Note      string
	CreatedBy int64
	Lines     []LineInput
}

// CreatePOInput describes standalone purchase order creation.
type CreatePOInput struct {
	VendorID     int64
	Currency     string
	ExpectedDate time.Time
	Note         string
	CreatedBy    int64
	Lines        []LineInput
}

// GRNLineInput records received quantities per ordered item.
type GRNLineInput struct {
	ItemID      int64
	Description string
	OrderedQty  float64
	ReceivedQty float64
	UnitCost    float64
}

// CreateGRNInput describes goods receipt note creation against a PO.
type CreateGRNInput struct {
	POID      int64
	CreatedBy int64
	Lines     []GRNLineInput
}

// CreatePaymentInput describes purchase payment creation.
type CreatePaymentInput struct {
	POID      int64
	Amount    float64
	Method    string
	Reference string
	CreatedBy int64
}

// TransitionInput carries the operation payload for lifecycle actions.
type TransitionInput struct {
	ActorID int64
	Remarks string
}

// InspectionInput records the quality verdict for a received GRN.
type InspectionInput struct {
	ActorID         int64
	Quality         QualityStatus
	RejectionReason string
	IdempotencyKey  string
}

// ConvertIntentInput parameterises a PurchaseIntent→PurchaseOrder
// conversion.
type ConvertIntentInput struct {
	ActorID      int64
	Currency     string
	ExpectedDate time.Time
}

// CreateIntent persists the intent header and lines with a fresh PI
// number, starting in DRAFT with approval NOT_REQUIRED.
func (s *Service) CreateIntent(ctx context.Context, input CreateIntentInput) (PurchaseIntent, error) {
	if input.VendorID == 0 {
		return PurchaseIntent{}, &docflow.ValidationError{Field: "vendor_id", Reason: "required"}
	}
	if len(input.Lines) == 0 {
		return PurchaseIntent{}, &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return PurchaseIntent{}, err
		}
	}

	now := s.now()
	p := PurchaseIntent{
		VendorID:  input.VendorID,
		Status:    IntentDraft,
		Approval:  docflow.ApprovalNotRequired,
		Note:      input.Note,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.PurchaseIntent, now)
		if err != nil {
			return err
		}
		p.Number = number
		id, err := tx.CreateIntent(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertIntentLine(ctx, IntentLine{
				IntentID:    id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseIntent{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "INTENT_CREATE", p.ID, map[string]any{"number": p.Number})
	return p, nil
}

// UpdateIntent replaces header fields and the line set while the intent
// is still editable.
func (s *Service) UpdateIntent(ctx context.Context, id int64, input CreateIntentInput) error {
	p, _, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != IntentDraft && p.Status != IntentPendingReview {
		return fmt.Errorf("%w: intent %s is %s", ErrInvalidState, p.Number, p.Status)
	}
	if len(input.Lines) == 0 {
		return &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return err
		}
	}
	updated := p
	updated.VendorID = input.VendorID
	updated.Note = input.Note
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateIntentHeader(ctx, id, updated); err != nil {
			return err
		}
		if err := tx.DeleteIntentLines(ctx, id); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertIntentLine(ctx, IntentLine{
				IntentID:    id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteIntent removes a draft intent. Documents past DRAFT keep their
// history and must be cancelled instead.
func (s *Service) DeleteIntent(ctx context.Context, id int64, actorID int64) error {
	p, _, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != IntentDraft {
		return fmt.Errorf("%w: intent %s is %s, cancel it instead", ErrInvalidState, p.Number, p.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteIntent(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "INTENT_DELETE", id, map[string]any{"number": p.Number})
	return nil
}

// TransitionIntent applies a named lifecycle operation. The machine is
// consulted before any write; an illegal operation leaves the document
// untouched and reports the allowed source states.
func (s *Service) TransitionIntent(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (PurchaseIntent, error) {
	p, _, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return PurchaseIntent{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return PurchaseIntent{}, err
	}
	next, err := intentMachine.Apply(p.State(), op)
	s.observeTransition("purchase_intent", op, err)
	if err != nil {
		return PurchaseIntent{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateIntentState(ctx, id, p.Status, next); err != nil {
			return err
		}
		if op == OpApprove || op == OpReject {
			if err := tx.SetIntentApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseIntent{}, err
	}

	s.recordApproval(ctx, "PURCHASE_INTENT", id, op, input, p.Number)
	s.recordAudit(ctx, input.ActorID, "INTENT_"+string(op), id, map[string]any{
		"number": p.Number, "from": string(p.Status), "to": string(next.Status),
	})
	p.Status = next.Status
	p.Approval = next.Approval
	p.UpdatedAt = now
	return p, nil
}

// ConvertIntentToPurchaseOrder materialises a purchase order from an
// approved intent in one transaction: the order and its copied lines are
// created and the intent is stamped converted, or nothing persists.
func (s *Service) ConvertIntentToPurchaseOrder(ctx context.Context, intentID int64, input ConvertIntentInput) (PurchaseOrder, error) {
	p, lines, err := s.repo.GetIntent(ctx, intentID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if p.Status == IntentConverted {
		err := fmt.Errorf("intent %s: %w", p.Number, docflow.ErrAlreadyConverted)
		s.observeTransition("purchase_intent", OpConvert, err)
		return PurchaseOrder{}, err
	}
	if p.Status != IntentApproved {
		err := fmt.Errorf("intent %s is %s, must be APPROVED: %w", p.Number, p.Status, docflow.ErrNotEligible)
		s.observeTransition("purchase_intent", OpConvert, err)
		return PurchaseOrder{}, err
	}
	if len(lines) == 0 {
		return PurchaseOrder{}, &docflow.ValidationError{Field: "lines", Reason: "intent has no lines to convert"}
	}

	now := s.now()
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}
	po := PurchaseOrder{
		IntentID:     p.ID,
		VendorID:     p.VendorID,
		Status:       PODraft,
		Approval:     docflow.ApprovalNotRequired,
		Currency:     currency,
		ExpectedDate: input.ExpectedDate,
		Note:         p.Note,
		CreatedBy:    input.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.POExistsForIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("intent %s: %w", p.Number, docflow.ErrAlreadyConverted)
		}
		number, err := tx.NextNumber(ctx, sequence.PurchaseOrder, now)
		if err != nil {
			return err
		}
		po.Number = number
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range lines {
			if err := tx.InsertPOLine(ctx, POLine{
				POID:        id,
				ItemID:      line.ItemID,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
				Total:       line.Qty * line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return tx.MarkIntentConverted(ctx, intentID, id, now)
	})
	s.observeTransition("purchase_intent", OpConvert, err)
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "INTENT_CONVERT", intentID, map[string]any{
		"number": p.Number, "purchase_order": po.Number,
	})
	return po, nil
}

// CreatePO persists a standalone purchase order (not derived from an
// intent) with a fresh PO number.
func (s *Service) CreatePO(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if input.VendorID == 0 {
		return PurchaseOrder{}, &docflow.ValidationError{Field: "vendor_id", Reason: "required"}
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return PurchaseOrder{}, err
		}
	}

	now := s.now()
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}
	po := PurchaseOrder{
		VendorID:     input.VendorID,
		Status:       PODraft,
		Approval:     docflow.ApprovalNotRequired,
		Currency:     currency,
		ExpectedDate: input.ExpectedDate,
		Note:         input.Note,
		CreatedBy:    input.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.PurchaseOrder, now)
		if err != nil {
			return err
		}
		po.Number = number
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertPOLine(ctx, POLine{
				POID:        id,
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
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "PO_CREATE", po.ID, map[string]any{"number": po.Number})
	return po, nil
}

// UpdatePO replaces header fields and the line set while the order is
// still editable.
func (s *Service) UpdatePO(ctx context.Context, id int64, input CreatePOInput) error {
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return err
	}
	if po.Status != PODraft && po.Status != POPendingReview {
		return fmt.Errorf("%w: purchase order %s is %s", ErrInvalidState, po.Number, po.Status)
	}
	if len(input.Lines) == 0 {
		return &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, line := range input.Lines {
		if err := validateLine(line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return err
		}
	}
	updated := po
	updated.VendorID = input.VendorID
	updated.Currency = input.Currency
	updated.ExpectedDate = input.ExpectedDate
	updated.Note = input.Note
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOHeader(ctx, id, updated); err != nil {
			return err
		}
		if err := tx.DeletePOLines(ctx, id); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertPOLine(ctx, POLine{
				POID:        id,
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

// DeletePO removes a draft purchase order.
func (s *Service) DeletePO(ctx context.Context, id int64, actorID int64) error {
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return err
	}
	if po.Status != PODraft {
		return fmt.Errorf("%w: purchase order %s is %s, cancel it instead", ErrInvalidState, po.Number, po.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeletePO(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_DELETE", id, map[string]any{"number": po.Number})
	return nil
}

// TransitionPO applies a named lifecycle operation to a purchase order.
func (s *Service) TransitionPO(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (PurchaseOrder, error) {
	po, _, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return PurchaseOrder{}, err
	}
	next, err := poMachine.Apply(po.State(), op)
	s.observeTransition("purchase_order", op, err)
	if err != nil {
		return PurchaseOrder{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePOState(ctx, id, po.Status, next); err != nil {
			return err
		}
		if op == OpApprove || op == OpReject {
			if err := tx.SetPOApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	s.recordApproval(ctx, "PURCHASE_ORDER", id, op, input, po.Number)
	s.recordAudit(ctx, input.ActorID, "PO_"+string(op), id, map[string]any{
		"number": po.Number, "from": string(po.Status), "to": string(next.Status),
	})
	po.Status = next.Status
	po.Approval = next.Approval
	po.UpdatedAt = now
	return po, nil
}

// CreateGRN records goods arriving against a purchase order with a fresh
// GRN number. Received quantities must not exceed what was ordered.
func (s *Service) CreateGRN(ctx context.Context, input CreateGRNInput) (GoodsReceiptNote, error) {
	if input.POID == 0 {
		return GoodsReceiptNote{}, &docflow.ValidationError{Field: "po_id", Reason: "required"}
	}
	if len(input.Lines) == 0 {
		return GoodsReceiptNote{}, &docflow.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	po, _, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return GoodsReceiptNote{}, err
	}
	if po.Status != POApproved {
		return GoodsReceiptNote{}, fmt.Errorf("%w: purchase order %s is %s, must be APPROVED to receive against", ErrInvalidState, po.Number, po.Status)
	}
	for _, line := range input.Lines {
		if line.ItemID == 0 {
			return GoodsReceiptNote{}, &docflow.ValidationError{Field: "item_id", Reason: "required"}
		}
		if line.ReceivedQty <= 0 {
			return GoodsReceiptNote{}, &docflow.ValidationError{Field: "received_qty", Reason: "must be greater than zero"}
		}
		if line.ReceivedQty > line.OrderedQty {
			return GoodsReceiptNote{}, &docflow.ValidationError{Field: "received_qty", Reason: "must not exceed ordered quantity"}
		}
	}

	now := s.now()
	g := GoodsReceiptNote{
		POID:      input.POID,
		VendorID:  po.VendorID,
		Status:    GRNDraft,
		Approval:  docflow.ApprovalNotRequired,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.GoodsReceipt, now)
		if err != nil {
			return err
		}
		g.Number = number
		id, err := tx.CreateGRN(ctx, g)
		if err != nil {
			return err
		}
		g.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertGRNLine(ctx, GRNLine{
				GRNID:       id,
				ItemID:      line.ItemID,
				Description: line.Description,
				OrderedQty:  line.OrderedQty,
				ReceivedQty: line.ReceivedQty,
				UnitCost:    line.UnitCost,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceiptNote{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "GRN_CREATE", g.ID, map[string]any{"number": g.Number})
	return g, nil
}

// TransitionGRN applies submit/approval/cancel style operations to a
// goods receipt note. Receipt, inspection and return have dedicated
// methods because they carry extra payload.
func (s *Service) TransitionGRN(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (GoodsReceiptNote, error) {
	g, _, err := s.repo.GetGRN(ctx, id)
	if err != nil {
		return GoodsReceiptNote{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return GoodsReceiptNote{}, err
	}
	next, err := grnMachine.Apply(g.State(), op)
	s.observeTransition("goods_receipt_note", op, err)
	if err != nil {
		return GoodsReceiptNote{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateGRNState(ctx, id, g.Status, next); err != nil {
			return err
		}
		switch op {
		case OpApprove, OpReject:
			if err := tx.SetGRNApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		case OpMarkReceived:
			if err := tx.SetGRNReceived(ctx, id, input.ActorID, now); err != nil {
				return err
			}
		case OpReturnGoods:
			if err := tx.SetGRNReturned(ctx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceiptNote{}, err
	}

	s.recordApproval(ctx, "GOODS_RECEIPT", id, op, input, g.Number)
	s.recordAudit(ctx, input.ActorID, "GRN_"+string(op), id, map[string]any{
		"number": g.Number, "from": string(g.Status), "to": string(next.Status),
	})
	g.Status = next.Status
	g.Approval = next.Approval
	g.UpdatedAt = now
	if op == OpMarkReceived {
		g.ReceivedBy = input.ActorID
		g.ReceivedAt = now
	}
	if op == OpReturnGoods {
		g.ReturnedAt = now
	}
	return g, nil
}

// CompleteInspection records the quality verdict for a received GRN and
// settles it in one transaction: PASSED accepts every received quantity
// and posts it to item stock, FAILED rejects the whole receipt and
// requires a reason. The idempotency key makes a retried inspection a
// no-op instead of a double stock posting.
func (s *Service) CompleteInspection(ctx context.Context, id int64, input InspectionInput) (GoodsReceiptNote, error) {
	g, lines, err := s.repo.GetGRN(ctx, id)
	if err != nil {
		return GoodsReceiptNote{}, err
	}
	if input.Quality != QualityPassed && input.Quality != QualityFailed {
		return GoodsReceiptNote{}, &docflow.ValidationError{Field: "quality_status", Reason: "must be PASSED or FAILED"}
	}
	if input.Quality == QualityFailed && input.RejectionReason == "" {
		return GoodsReceiptNote{}, &docflow.ValidationError{Field: "rejection_reason", Reason: "required when inspection fails"}
	}
	// The key is claimed before eligibility is checked: a replay of an
	// inspection that already settled the GRN must surface the conflict,
	// not the transition error of the settled state.
	if s.idem != nil && input.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, input.IdempotencyKey, "goods_receipt_note"); err != nil {
			return GoodsReceiptNote{}, err
		}
	}
	if _, err := grnMachine.Apply(g.State(), OpCompleteInspection); err != nil {
		s.observeTransition("goods_receipt_note", OpCompleteInspection, err)
		if s.idem != nil && input.IdempotencyKey != "" {
			_ = s.idem.Delete(ctx, input.IdempotencyKey)
		}
		return GoodsReceiptNote{}, err
	}

	now := s.now()
	final := GRNAccepted
	if input.Quality == QualityFailed {
		final = GRNRejected
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateGRNState(ctx, id, g.Status, docflow.State{Status: final, Approval: g.Approval}); err != nil {
			return err
		}
		if err := tx.SetGRNInspection(ctx, id, input.ActorID, now, input.Quality, input.RejectionReason); err != nil {
			return err
		}
		for _, line := range lines {
			accepted, rejected := line.ReceivedQty, 0.0
			if input.Quality == QualityFailed {
				accepted, rejected = 0.0, line.ReceivedQty
			}
			if err := tx.SetGRNLineOutcome(ctx, line.ID, accepted, rejected); err != nil {
				return err
			}
			if accepted > 0 {
				if err := tx.AdjustItemStock(ctx, line.ItemID, accepted); err != nil {
					return err
				}
			}
		}
		return nil
	})
	s.observeTransition("goods_receipt_note", OpCompleteInspection, err)
	if err != nil {
		if s.idem != nil && input.IdempotencyKey != "" {
			_ = s.idem.Delete(ctx, input.IdempotencyKey)
		}
		return GoodsReceiptNote{}, err
	}

	s.recordAudit(ctx, input.ActorID, "GRN_"+string(OpCompleteInspection), id, map[string]any{
		"number": g.Number, "quality": string(input.Quality), "to": string(final),
	})
	g.Status = final
	g.InspectedBy = input.ActorID
	g.InspectedAt = now
	g.QualityStatus = input.Quality
	g.RejectionReason = input.RejectionReason
	g.UpdatedAt = now
	return g, nil
}

// DeleteGRN removes a draft goods receipt note.
func (s *Service) DeleteGRN(ctx context.Context, id int64, actorID int64) error {
	g, _, err := s.repo.GetGRN(ctx, id)
	if err != nil {
		return err
	}
	if g.Status != GRNDraft {
		return fmt.Errorf("%w: goods receipt %s is %s, cancel it instead", ErrInvalidState, g.Number, g.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteGRN(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "GRN_DELETE", id, map[string]any{"number": g.Number})
	return nil
}

// CreatePayment records a payment against a purchase order with a fresh
// PP number, starting in PENDING.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (PurchasePayment, error) {
	if input.POID == 0 {
		return PurchasePayment{}, &docflow.ValidationError{Field: "po_id", Reason: "required"}
	}
	if input.Amount <= 0 {
		return PurchasePayment{}, &docflow.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if input.Method == "" {
		return PurchasePayment{}, &docflow.ValidationError{Field: "method", Reason: "required"}
	}
	po, _, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return PurchasePayment{}, err
	}

	now := s.now()
	p := PurchasePayment{
		POID:      input.POID,
		VendorID:  po.VendorID,
		Status:    PaymentPending,
		Approval:  docflow.ApprovalNotRequired,
		Amount:    input.Amount,
		Method:    input.Method,
		Reference: input.Reference,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, sequence.PurchasePayment, now)
		if err != nil {
			return err
		}
		p.Number = number
		id, err := tx.CreatePayment(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return PurchasePayment{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "PAYMENT_CREATE", p.ID, map[string]any{"number": p.Number})
	return p, nil
}

// TransitionPayment applies a named lifecycle operation to a payment.
func (s *Service) TransitionPayment(ctx context.Context, id int64, op docflow.Operation, input TransitionInput) (PurchasePayment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return PurchasePayment{}, err
	}
	if err := validateTransitionPayload(op, input); err != nil {
		return PurchasePayment{}, err
	}
	next, err := paymentMachine.Apply(p.State(), op)
	s.observeTransition("purchase_payment", op, err)
	if err != nil {
		return PurchasePayment{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePaymentState(ctx, id, p.Status, next); err != nil {
			return err
		}
		switch op {
		case OpApprove, OpReject:
			if err := tx.SetPaymentApproval(ctx, id, input.ActorID, now, input.Remarks); err != nil {
				return err
			}
		case OpMarkReceived:
			if err := tx.SetPaymentReceived(ctx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchasePayment{}, err
	}

	s.recordApproval(ctx, "PURCHASE_PAYMENT", id, op, input, p.Number)
	s.recordAudit(ctx, input.ActorID, "PAYMENT_"+string(op), id, map[string]any{
		"number": p.Number, "from": string(p.Status), "to": string(next.Status),
	})
	p.Status = next.Status
	p.Approval = next.Approval
	p.UpdatedAt = now
	if op == OpMarkReceived {
		p.ReceivedAt = now
	}
	return p, nil
}

// DeletePayment removes a payment that has not entered review.
func (s *Service) DeletePayment(ctx context.Context, id int64, actorID int64) error {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %s is %s, cancel it instead", ErrInvalidState, p.Number, p.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeletePayment(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PAYMENT_DELETE", id, map[string]any{"number": p.Number})
	return nil
}

// GetIntent returns a purchase intent with lines.
func (s *Service) GetIntent(ctx context.Context, id int64) (PurchaseIntent, []IntentLine, error) {
	return s.repo.GetIntent(ctx, id)
}

// GetPO returns a purchase order with lines.
func (s *Service) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, id)
}

// GetGRN returns a goods receipt note with lines.
func (s *Service) GetGRN(ctx context.Context, id int64) (GoodsReceiptNote, []GRNLine, error) {
	return s.repo.GetGRN(ctx, id)
}

// GetPayment returns a purchase payment.
func (s *Service) GetPayment(ctx context.Context, id int64) (PurchasePayment, error) {
	return s.repo.GetPayment(ctx, id)
}

// IntentOperations lists the operations currently legal for an intent.
func (s *Service) IntentOperations(p PurchaseIntent) []docflow.Operation {
	return intentMachine.Operations(p.State())
}

// GRNOperations lists the operations currently legal for a GRN.
func (s *Service) GRNOperations(g GoodsReceiptNote) []docflow.Operation {
	return grnMachine.Operations(g.State())
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
	case OpSubmitForApproval:
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
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func (s *Service) observeTransition(kind string, op docflow.Operation, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveTransition(kind, string(op), err)
}
