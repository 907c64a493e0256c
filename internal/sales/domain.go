// Package sales covers the customer-facing document chain: enquiries become
// quotations, approved quotations become sales orders. The three kinds live
// in one package because conversions mark the source and create the target
// inside a single transaction.
package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Enquiry statuses.
const (
	EnquiryDraft           docflow.Status = "DRAFT"
	EnquiryPendingReview   docflow.Status = "PENDING_REVIEW"
	EnquiryUnderReview     docflow.Status = "UNDER_REVIEW"
	EnquiryQuoted          docflow.Status = "QUOTED"
	EnquiryPendingApproval docflow.Status = "PENDING_APPROVAL"
	EnquiryApproved        docflow.Status = "APPROVED"
	EnquiryConverted       docflow.Status = "CONVERTED"
	EnquiryLost            docflow.Status = "LOST"
	EnquiryCancelled       docflow.Status = "CANCELLED"
)

// Quotation statuses.
const (
	QuotationDraft           docflow.Status = "DRAFT"
	QuotationPendingReview   docflow.Status = "PENDING_REVIEW"
	QuotationPendingApproval docflow.Status = "PENDING_APPROVAL"
	QuotationApproved        docflow.Status = "APPROVED"
	QuotationRejected        docflow.Status = "REJECTED"
	QuotationConverted       docflow.Status = "CONVERTED"
	QuotationCancelled       docflow.Status = "CANCELLED"
)

// Sales order statuses.
const (
	OrderDraft     docflow.Status = "DRAFT"
	OrderConfirmed docflow.Status = "CONFIRMED"
	OrderCancelled docflow.Status = "CANCELLED"
)

// Lifecycle operations shared across the sales kinds.
const (
	OpSubmit              docflow.Operation = "submit"
	OpMarkUnderReview     docflow.Operation = "mark_under_review"
	OpMarkQuoted          docflow.Operation = "mark_quoted"
	OpMarkPendingApproval docflow.Operation = "mark_pending_approval"
	OpSubmitForApproval   docflow.Operation = "submit_for_approval"
	OpApprove             docflow.Operation = "approve"
	OpReject              docflow.Operation = "reject"
	OpConvert             docflow.Operation = "convert"
	OpConfirm             docflow.Operation = "confirm"
	OpCancel              docflow.Operation = "cancel"
)

var enquiryMachine = docflow.NewMachine("enquiry", map[docflow.Operation]docflow.Rule{
	OpSubmit: {From: []docflow.Status{EnquiryDraft}, To: EnquiryPendingReview},
	OpMarkUnderReview: {
		From:        []docflow.Status{EnquiryDraft, EnquiryPendingReview},
		To:          EnquiryUnderReview,
		SetApproval: docflow.ApprovalPending,
	},
	OpMarkQuoted: {From: []docflow.Status{EnquiryUnderReview, EnquiryApproved}, To: EnquiryQuoted},
	OpMarkPendingApproval: {
		From:        []docflow.Status{EnquiryUnderReview, EnquiryQuoted},
		To:          EnquiryPendingApproval,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{EnquiryPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              EnquiryApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	OpReject: {
		From:            []docflow.Status{EnquiryPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              EnquiryLost,
		SetApproval:     docflow.ApprovalRejected,
	},
	// Conversion is blocked while the enquiry is still being reviewed.
	OpConvert: {
		From: []docflow.Status{EnquiryQuoted, EnquiryPendingApproval, EnquiryApproved},
		To:   EnquiryConverted,
	},
	OpCancel: {
		From: []docflow.Status{
			EnquiryDraft, EnquiryPendingReview, EnquiryUnderReview, EnquiryQuoted,
			EnquiryPendingApproval, EnquiryApproved, EnquiryConverted, EnquiryLost,
		},
		To: EnquiryCancelled,
	},
})

var quotationMachine = docflow.NewMachine("quotation", map[docflow.Operation]docflow.Rule{
	OpSubmit: {From: []docflow.Status{QuotationDraft}, To: QuotationPendingReview},
	OpSubmitForApproval: {
		From:        []docflow.Status{QuotationPendingReview},
		To:          QuotationPendingApproval,
		SetApproval: docflow.ApprovalPending,
	},
	OpApprove: {
		From:            []docflow.Status{QuotationPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              QuotationApproved,
		SetApproval:     docflow.ApprovalApproved,
	},
	OpReject: {
		From:            []docflow.Status{QuotationPendingApproval},
		RequireApproval: []docflow.Approval{docflow.ApprovalPending},
		To:              QuotationRejected,
		SetApproval:     docflow.ApprovalRejected,
	},
	OpConvert: {From: []docflow.Status{QuotationApproved}, To: QuotationConverted},
	OpCancel: {
		From: []docflow.Status{QuotationDraft, QuotationPendingReview, QuotationPendingApproval},
		To:   QuotationCancelled,
	},
})

var orderMachine = docflow.NewMachine("sales_order", map[docflow.Operation]docflow.Rule{
	OpConfirm: {From: []docflow.Status{OrderDraft}, To: OrderConfirmed},
	OpCancel:  {From: []docflow.Status{OrderDraft, OrderConfirmed}, To: OrderCancelled},
})

// Enquiry is a customer request that may become a quotation.
type Enquiry struct {
	ID              int64
	Number          string
	ClientID        int64
	ContactID       int64
	Subject         string
	Description     string
	Status          docflow.Status
	Approval        docflow.Approval
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      time.Time
	ApprovalRemarks string
	QuotationID     int64
	ConvertedAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnquiryLine is a requested item on an enquiry.
type EnquiryLine struct {
	ID          int64
	EnquiryID   int64
	ItemID      int64
	Description string
	Qty         float64
	TargetPrice float64
}

// Quotation is a priced offer, optionally derived from an enquiry.
type Quotation struct {
	ID              int64
	Number          string
	EnquiryID       int64
	ClientID        int64
	ContactID       int64
	Status          docflow.Status
	Approval        docflow.Approval
	ValidUntil      time.Time
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      time.Time
	ApprovalRemarks string
	SalesOrderID    int64
	ConvertedAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QuotationLine is a priced item on a quotation.
type QuotationLine struct {
	ID          int64
	QuotationID int64
	ItemID      int64
	Description string
	Qty         float64
	UnitPrice   float64
	Total       float64
}

// SalesOrder is the confirmed order produced by converting a quotation.
type SalesOrder struct {
	ID          int64
	Number      string
	QuotationID int64
	ClientID    int64
	Status      docflow.Status
	Total       float64
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SalesOrderLine mirrors the quotation line it was copied from.
type SalesOrderLine struct {
	ID           int64
	SalesOrderID int64
	ItemID       int64
	Description  string
	Qty          float64
	UnitPrice    float64
	Total        float64
}

// State returns the dual-state pair for machine evaluation.
func (e Enquiry) State() docflow.State {
	return docflow.State{Status: e.Status, Approval: e.Approval}
}

// State returns the dual-state pair for machine evaluation.
func (q Quotation) State() docflow.State {
	return docflow.State{Status: q.Status, Approval: q.Approval}
}

// State returns the dual-state pair for machine evaluation.
func (o SalesOrder) State() docflow.State {
	return docflow.State{Status: o.Status, Approval: docflow.ApprovalNotRequired}
}

var (
	// ErrNotFound indicates a missing sales document.
	ErrNotFound = fmt.Errorf("sales: %w", shared.ErrNotFound)
	// ErrInvalidState occurs when deletion or update is attempted past DRAFT.
	ErrInvalidState = errors.New("sales: state does not permit this action")
	// ErrStaleState signals the document changed between read and write;
	// the caller should retry against the fresh state.
	ErrStaleState = fmt.Errorf("sales: document %w, retry", shared.ErrStale)
)
