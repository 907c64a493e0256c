// Package procurement covers the supplier-facing document chain: purchase
// intents become purchase orders, orders are received through goods receipt
// notes, and settled by purchase payments. One package so the PI→PO
// conversion and the GRN stock posting run inside a single transaction.
package procurement

import (
	"errors"
	"fmt"
	"time"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Purchase intent statuses.
const (
	IntentDraft           docflow.Status = "DRAFT"
	IntentPendingReview   docflow.Status = "PENDING_REVIEW"
	IntentPendingApproval docflow.Status = "PENDING_APPROVAL"
	IntentApproved        docflow.Status = "APPROVED"
	IntentRejected        docflow.Status = "REJECTED"
	IntentConverted       docflow.Status = "CONVERTED"
	IntentCancelled       docflow.Status = "CANCELLED"
)

// Purchase order statuses.
const (
	PODraft           docflow.Status = "DRAFT"
	POPendingReview   docflow.Status = "PENDING_REVIEW"
	POPendingApproval docflow.Status = "PENDING_APPROVAL"
	POApproved        docflow.Status = "APPROVED"
	PORejected        docflow.Status = "REJECTED"
	POCancelled       docflow.Status = "CANCELLED"
)

// Goods receipt note statuses.
const (
	GRNDraft           docflow.Status = "DRAFT"
	GRNPendingReview   docflow.Status = "PENDING_REVIEW"
	GRNPendingApproval docflow.Status = "PENDING_APPROVAL"
	GRNApproved        docflow.Status = "APPROVED"
	GRNReceived        docflow.Status = "RECEIVED"
	GRNInspected       docflow.Status = "INSPECTED"
	GRNAccepted        docflow.Status = "ACCEPTED"
	GRNRejected        docflow.Status = "REJECTED"
	GRNReturned        docflow.Status = "RETURNED"
	GRNCancelled       docflow.Status = "CANCELLED"
)

// Purchase payment statuses.
const (
	PaymentPending       docflow.Status = "PENDING"
	PaymentPendingReview docflow.Status = "PENDING_REVIEW"
	PaymentApproved      docflow.Status = "APPROVED"
	PaymentRejected      docflow.Status = "REJECTED"
	PaymentReceived      docflow.Status = "RECEIVED"
	PaymentBounced       docflow.Status = "BOUNCED"
	PaymentCancelled     docflow.Status = "CANCELLED"
)

// Quality outcomes recorded by GRN inspection.
type QualityStatus string

const (
	QualityPassed QualityStatus = "PASSED"
	QualityFailed QualityStatus = "FAILED"
)

// Lifecycle operations for the procurement kinds.
const (
	OpSubmit             docflow.Operation = "submit"
	OpSubmitForApproval  docflow.Operation = "submit_for_approval"
	OpApprove            docflow.Operation = "approve"
	OpReject             docflow.Operation = "reject"
	OpConvert            docflow.Operation = "convert"
	OpMarkReceived       docflow.Operation = "mark_received"
	OpCompleteInspection docflow.Operation = "complete_inspection"
	OpReturnGoods        docflow.Operation = "return_goods"
	OpMarkBounced        docflow.Operation = "mark_bounced"
	OpCancel             docflow.Operation = "cancel"
)

var intentMachine = docflow.NewMachine("purchase_intent", map[docflow.Operation]docflow.Rule{
	OpSubmit: {From: []docflow.Status{IntentDraft}, To: IntentPendingReview},
	OpSubmitForApproval: {
		From:        []docflow.Status{IntentPendingReview},
		To:          IntentPendingApproval,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{IntentPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              IntentApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	OpReject: {
		From:            []docflow.Status{IntentPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              IntentRejected,
		SetApproval:     docflow.ApprovalRejected,
	},
	OpConvert: {From: []docflow.Status{IntentApproved}, To: IntentConverted},
	OpCancel: {
		From: []docflow.Status{IntentDraft, IntentPendingReview, IntentPendingApproval},
		To:   IntentCancelled,
	},
})

var poMachine = docflow.NewMachine("purchase_order", map[docflow.Operation]docflow.Rule{
	OpSubmit: {From: []docflow.Status{PODraft}, To: POPendingReview},
	OpSubmitForApproval: {
		From:        []docflow.Status{POPendingReview},
		To:          POPendingApproval,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{POPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              POApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	OpReject: {
		From:            []docflow.Status{POPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              PORejected,
		SetApproval:     docflow.ApprovalRejected,
	},
	OpCancel: {
		From: []docflow.Status{PODraft, POPendingReview, POPendingApproval},
		To:   POCancelled,
	},
})

var grnMachine = docflow.NewMachine("goods_receipt_note", map[docflow.Operation]docflow.Rule{
	OpSubmit: {From: []docflow.Status{GRNDraft}, To: GRNPendingReview},
	OpSubmitForApproval: {
		From:        []docflow.Status{GRNPendingReview},
		To:          GRNPendingApproval,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{GRNPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              GRNApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	// A rejected receipt approval cancels the note; the approval state
	// still records the rejection.
	OpReject: {
		From:            []docflow.Status{GRNPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              GRNCancelled,
		SetApproval:     docflow.ApprovalRejected,
	},
	OpMarkReceived:       {From: []docflow.Status{GRNApproved}, To: GRNReceived},
	OpCompleteInspection: {From: []docflow.Status{GRNReceived}, To: GRNInspected},
	OpReturnGoods:        {From: []docflow.Status{GRNRejected, GRNInspected}, To: GRNReturned},
	OpCancel: {
		From: []docflow.Status{GRNDraft, GRNPendingReview, GRNPendingApproval},
		To:   GRNCancelled,
	},
})

var paymentMachine = docflow.NewMachine("purchase_payment", map[docflow.Operation]docflow.Rule{
	OpSubmit: {
		From:        []docflow.Status{PaymentPending},
		To:          PaymentPendingReview,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{PaymentPendingReview},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              PaymentApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	OpReject: {
		From:            []docflow.Status{PaymentPendingReview},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              PaymentRejected,
		SetApproval:     docflow.ApprovalRejected,
	},
	OpMarkReceived: {From: []docflow.Status{PaymentApproved}, To: PaymentReceived},
	OpMarkBounced:  {From: []docflow.Status{PaymentReceived}, To: PaymentBounced},
	OpCancel: {
		From: []docflow.Status{PaymentPending, PaymentPendingReview},
		To:   PaymentCancelled,
	},
})

// PurchaseIntent requests goods before a purchase order exists.
type PurchaseIntent struct {
	ID              int64
	Number          string
	VendorID        int64
	Status          docflow.Status
	Approval        docflow.Approval
	Note            string
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      time.Time
	ApprovalRemarks string
	PurchaseOrderID int64
	ConvertedAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IntentLine is a requested item on a purchase intent.
type IntentLine struct {
	ID          int64
	IntentID    int64
	ItemID      int64
	Description string
	Qty         float64
	UnitPrice   float64
}

// PurchaseOrder is the binding order sent to a vendor.
type PurchaseOrder struct {
	ID              int64
	Number          string
	IntentID        int64
	VendorID        int64
	Status          docflow.Status
	Approval        docflow.Approval
	Currency        string
	ExpectedDate    time.Time
	Note            string
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      time.Time
	ApprovalRemarks string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// POLine is an ordered item.
type POLine struct {
	ID          int64
	POID        int64
	ItemID      int64
	Description string
	Qty         float64
	UnitPrice   float64
	Total       float64
}

// GoodsReceiptNote records goods arriving against a purchase order.
type GoodsReceiptNote struct {
	ID              int64
	Number          string
	POID            int64
	VendorID        int64
	Status          docflow.Status
	Approval        docflow.Approval
	ReceivedBy      int64
	ReceivedAt      time.Time
	InspectedBy     int64
	InspectedAt     time.Time
	QualityStatus   QualityStatus
	RejectionReason string
	ReturnedAt      time.Time
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GRNLine tracks ordered/received/accepted/rejected quantities per item.
type GRNLine struct {
	ID          int64
	GRNID       int64
	ItemID      int64
	Description string
	OrderedQty  float64
	ReceivedQty float64
	AcceptedQty float64
	RejectedQty float64
	UnitCost    float64
}

// PurchasePayment settles a purchase order.
type PurchasePayment struct {
	ID              int64
	Number          string
	POID            int64
	VendorID        int64
	Status          docflow.Status
	Approval        docflow.Approval
	Amount          float64
	Method          string
	Reference       string
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      time.Time
	ApprovalRemarks string
	ReceivedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// State returns the dual-state pair for machine evaluation.
func (p PurchaseIntent) State() docflow.State {
	return docflow.State{Status: p.Status, Approval: p.Approval}
}

// State returns the dual-state pair for machine evaluation.
func (p PurchaseOrder) State() docflow.State {
	return docflow.State{Status: p.Status, Approval: p.Approval}
}

// State returns the dual-state pair for machine evaluation.
func (g GoodsReceiptNote) State() docflow.State {
	return docflow.State{Status: g.Status, Approval: g.Approval}
}

// State returns the dual-state pair for machine evaluation.
func (p PurchasePayment) State() docflow.State {
	return docflow.State{Status: p.Status, Approval: p.Approval}
}

var (
	// ErrNotFound indicates a missing procurement document.
	ErrNotFound = fmt.Errorf("procurement: %w", shared.ErrNotFound)
	// ErrInvalidState occurs when deletion or update is attempted past the
	// editable states.
	ErrInvalidState = errors.New("procurement: state does not permit this action")
	// ErrStaleState signals the document changed between read and write;
	// the caller should retry against the fresh state.
	ErrStaleState = fmt.Errorf("procurement: document %w, retry", shared.ErrStale)
)
