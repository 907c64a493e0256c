package sales

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/keystone-erp/keystone-erp/internal/docflow"
	"github.com/keystone-erp/keystone-erp/internal/platform/httpx"
	"github.com/keystone-erp/keystone-erp/internal/rbac"
	"github.com/keystone-erp/keystone-erp/internal/shared"
	"github.com/keystone-erp/keystone-erp/jobs"
)

// MailQueue is satisfied by jobs.Client. Nil disables notifications.
type MailQueue interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Handler exposes the sales workflow over JSON.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	rbac       rbac.Middleware
	mail       MailQueue
	notifyAddr string
}

func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, mail MailQueue, notifyAddr string) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, mail: mail, notifyAddr: notifyAddr}
}

// notifyDecision queues a notification mail when an approval decision
// lands. Best effort: a queue failure is logged, never surfaced.
func (h *Handler) notifyDecision(ctx context.Context, kind, number string, op docflow.Operation) {
	if h.mail == nil || h.notifyAddr == "" {
		return
	}
	var verb string
	switch op {
	case OpApprove:
		verb = "approved"
	case OpReject:
		verb = "rejected"
	default:
		return
	}
	_, err := h.mail.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      h.notifyAddr,
		Subject: kind + " " + number + " " + verb,
		Body:    kind + " " + number + " was " + verb + ".",
	})
	if err != nil && h.logger != nil {
		h.logger.Error("queue decision mail", slog.String("number", number), slog.Any("error", err))
	}
}

// MountRoutes registers /sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("sales.view"))
		r.Get("/enquiries", h.listEnquiries)
		r.Get("/enquiries/{id}", h.getEnquiry)
		r.Get("/enquiries/{id}/operations", h.enquiryOperations)
		r.Get("/quotations/{id}", h.getQuotation)
		r.Get("/quotations/{id}/operations", h.quotationOperations)
		r.Get("/orders/{id}", h.getOrder)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("sales.manage"))
		r.Post("/enquiries", h.createEnquiry)
		r.Put("/enquiries/{id}", h.updateEnquiry)
		r.Delete("/enquiries/{id}", h.deleteEnquiry)
		r.Post("/enquiries/{id}/transitions", h.transitionEnquiry)
		r.Post("/enquiries/{id}/convert", h.convertEnquiry)
		r.Post("/quotations", h.createQuotation)
		r.Put("/quotations/{id}", h.updateQuotation)
		r.Delete("/quotations/{id}", h.deleteQuotation)
		r.Post("/quotations/{id}/transitions", h.transitionQuotation)
		r.Post("/quotations/{id}/convert", h.convertQuotation)
		r.Post("/orders/{id}/transitions", h.transitionOrder)
	})
}

type enquiryLineRequest struct {
	ItemID      int64   `json:"item_id" validate:"required"`
	Description string  `json:"description"`
	Qty         float64 `json:"qty" validate:"gt=0"`
	TargetPrice float64 `json:"target_price" validate:"gte=0"`
}

type enquiryRequest struct {
	ClientID    int64                `json:"client_id" validate:"required"`
	ContactID   int64                `json:"contact_id"`
	Subject     string               `json:"subject" validate:"required"`
	Description string               `json:"description"`
	Lines       []enquiryLineRequest `json:"lines" validate:"min=1,dive"`
}

func (req enquiryRequest) toInput(actorID int64) CreateEnquiryInput {
	input := CreateEnquiryInput{
		ClientID:    req.ClientID,
		ContactID:   req.ContactID,
		Subject:     req.Subject,
		Description: req.Description,
		CreatedBy:   actorID,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, EnquiryLineInput{
			ItemID:      line.ItemID,
			Description: line.Description,
			Qty:         line.Qty,
			TargetPrice: line.TargetPrice,
		})
	}
	return input
}

type quotationLineRequest struct {
	ItemID      int64   `json:"item_id" validate:"required"`
	Description string  `json:"description"`
	Qty         float64 `json:"qty" validate:"gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
}

type quotationRequest struct {
	ClientID   int64                  `json:"client_id" validate:"required"`
	ContactID  int64                  `json:"contact_id"`
	ValidUntil time.Time              `json:"valid_until"`
	Lines      []quotationLineRequest `json:"lines" validate:"min=1,dive"`
}

func (req quotationRequest) toInput(actorID int64) CreateQuotationInput {
	input := CreateQuotationInput{
		ClientID:   req.ClientID,
		ContactID:  req.ContactID,
		ValidUntil: req.ValidUntil,
		CreatedBy:  actorID,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, QuotationLineInput{
			ItemID:      line.ItemID,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	return input
}

type transitionRequest struct {
	Operation string `json:"operation" validate:"required"`
	Remarks   string `json:"remarks"`
}

type convertEnquiryRequest struct {
	ValidUntil time.Time         `json:"valid_until"`
	UnitPrices map[int64]float64 `json:"unit_prices"`
}

func (h *Handler) listEnquiries(w http.ResponseWriter, r *http.Request) {
	filters := shared.ParseListFilters(r)
	status := docflow.Status(r.URL.Query().Get("status"))
	enquiries, total, err := h.service.ListEnquiries(r.Context(), status, filters)
	if err != nil {
		h.logger.Error("list enquiries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"enquiries":  enquiries,
		"pagination": shared.NewPagination(filters.Page, filters.Limit, total),
	})
}

func (h *Handler) getEnquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, lines, err := h.service.GetEnquiry(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"enquiry": e, "lines": lines})
}

func (h *Handler) enquiryOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, _, err := h.service.GetEnquiry(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": h.service.EnquiryOperations(e)})
}

func (h *Handler) createEnquiry(w http.ResponseWriter, r *http.Request) {
	var req enquiryRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	e, err := h.service.CreateEnquiry(r.Context(), req.toInput(shared.ActorID(r.Context())))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, e)
}

func (h *Handler) updateEnquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req enquiryRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.UpdateEnquiry(r.Context(), id, req.toInput(shared.ActorID(r.Context()))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteEnquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteEnquiry(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionEnquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	e, err := h.service.TransitionEnquiry(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Enquiry", e.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, e)
}

func (h *Handler) convertEnquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req convertEnquiryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	q, err := h.service.ConvertEnquiryToQuotation(r.Context(), id, ConvertEnquiryInput{
		ActorID:    shared.ActorID(r.Context()),
		ValidUntil: req.ValidUntil,
		UnitPrices: req.UnitPrices,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) getQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q, lines, err := h.service.GetQuotation(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quotation": q, "lines": lines})
}

func (h *Handler) quotationOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q, _, err := h.service.GetQuotation(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": h.service.QuotationOperations(q)})
}

func (h *Handler) createQuotation(w http.ResponseWriter, r *http.Request) {
	var req quotationRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	q, err := h.service.CreateQuotation(r.Context(), req.toInput(shared.ActorID(r.Context())))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) updateQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req quotationRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.UpdateQuotation(r.Context(), id, req.toInput(shared.ActorID(r.Context()))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteQuotation(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	q, err := h.service.TransitionQuotation(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Quotation", q.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) convertQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := h.service.ConvertQuotationToSalesOrder(r.Context(), id, shared.ActorID(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, lines, err := h.service.GetSalesOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": o, "lines": lines})
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.TransitionSalesOrder(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Sales order", o.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, o)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}
