package procurement

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

// Handler exposes the procurement workflow over JSON.
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

// MountRoutes registers /procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("procurement.view"))
		r.Get("/intents/{id}", h.getIntent)
		r.Get("/intents/{id}/operations", h.intentOperations)
		r.Get("/orders/{id}", h.getPO)
		r.Get("/grns/{id}", h.getGRN)
		r.Get("/grns/{id}/operations", h.grnOperations)
		r.Get("/payments/{id}", h.getPayment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("procurement.manage"))
		r.Post("/intents", h.createIntent)
		r.Put("/intents/{id}", h.updateIntent)
		r.Delete("/intents/{id}", h.deleteIntent)
		r.Post("/intents/{id}/transitions", h.transitionIntent)
		r.Post("/intents/{id}/convert", h.convertIntent)
		r.Post("/orders", h.createPO)
		r.Put("/orders/{id}", h.updatePO)
		r.Delete("/orders/{id}", h.deletePO)
		r.Post("/orders/{id}/transitions", h.transitionPO)
		r.Post("/grns", h.createGRN)
		r.Delete("/grns/{id}", h.deleteGRN)
		r.Post("/grns/{id}/transitions", h.transitionGRN)
		r.Post("/grns/{id}/inspection", h.completeInspection)
		r.Post("/payments", h.createPayment)
		r.Delete("/payments/{id}", h.deletePayment)
		r.Post("/payments/{id}/transitions", h.transitionPayment)
	})
}

type lineRequest struct {
	ItemID      int64   `json:"item_id" validate:"required"`
	Description string  `json:"description"`
	Qty         float64 `json:"qty" validate:"gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
}

type intentRequest struct {
	VendorID int64         `json:"vendor_id" validate:"required"`
	Note     string        `json:"note"`
	Lines    []lineRequest `json:"lines" validate:"min=1,dive"`
}

func (req intentRequest) toInput(actorID int64) CreateIntentInput {
	input := CreateIntentInput{
		VendorID:  req.VendorID,
		Note:      req.Note,
		CreatedBy: actorID,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			ItemID:      line.ItemID,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	return input
}

type poRequest struct {
	VendorID     int64         `json:"vendor_id" validate:"required"`
	Currency     string        `json:"currency" validate:"omitempty,len=3"`
	ExpectedDate time.Time     `json:"expected_date"`
	Note         string        `json:"note"`
	Lines        []lineRequest `json:"lines" validate:"min=1,dive"`
}

func (req poRequest) toInput(actorID int64) CreatePOInput {
	input := CreatePOInput{
		VendorID:     req.VendorID,
		Currency:     req.Currency,
		ExpectedDate: req.ExpectedDate,
		Note:         req.Note,
		CreatedBy:    actorID,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			ItemID:      line.ItemID,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	return input
}

type grnLineRequest struct {
	ItemID      int64   `json:"item_id" validate:"required"`
	Description string  `json:"description"`
	OrderedQty  float64 `json:"ordered_qty" validate:"gt=0"`
	ReceivedQty float64 `json:"received_qty" validate:"gt=0"`
	UnitCost    float64 `json:"unit_cost" validate:"gte=0"`
}

type grnRequest struct {
	POID  int64            `json:"po_id" validate:"required"`
	Lines []grnLineRequest `json:"lines" validate:"min=1,dive"`
}

type paymentRequest struct {
	POID      int64   `json:"po_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Method    string  `json:"method" validate:"required"`
	Reference string  `json:"reference"`
}

type transitionRequest struct {
	Operation string `json:"operation" validate:"required"`
	Remarks   string `json:"remarks"`
}

type convertIntentRequest struct {
	Currency     string    `json:"currency"`
	ExpectedDate time.Time `json:"expected_date"`
}

type inspectionRequest struct {
	Quality         string `json:"quality_status" validate:"required,oneof=PASSED FAILED"`
	RejectionReason string `json:"rejection_reason"`
	IdempotencyKey  string `json:"idempotency_key"`
}

func (h *Handler) getIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, lines, err := h.service.GetIntent(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"intent": p, "lines": lines})
}

func (h *Handler) intentOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, _, err := h.service.GetIntent(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": h.service.IntentOperations(p)})
}

func (h *Handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.CreateIntent(r.Context(), req.toInput(shared.ActorID(r.Context())))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) updateIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req intentRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.UpdateIntent(r.Context(), id, req.toInput(shared.ActorID(r.Context()))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteIntent(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.TransitionIntent(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Purchase intent", p.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) convertIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req convertIntentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	po, err := h.service.ConvertIntentToPurchaseOrder(r.Context(), id, ConvertIntentInput{
		ActorID:      shared.ActorID(r.Context()),
		Currency:     req.Currency,
		ExpectedDate: req.ExpectedDate,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) getPO(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	po, lines, err := h.service.GetPO(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": po, "lines": lines})
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	var req poRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.CreatePO(r.Context(), req.toInput(shared.ActorID(r.Context())))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) updatePO(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req poRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.UpdatePO(r.Context(), id, req.toInput(shared.ActorID(r.Context()))); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deletePO(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePO(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionPO(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.TransitionPO(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Purchase order", po.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) getGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, lines, err := h.service.GetGRN(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grn": g, "lines": lines})
}

func (h *Handler) grnOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, _, err := h.service.GetGRN(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": h.service.GRNOperations(g)})
}

func (h *Handler) createGRN(w http.ResponseWriter, r *http.Request) {
	var req grnRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateGRNInput{POID: req.POID, CreatedBy: shared.ActorID(r.Context())}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, GRNLineInput{
			ItemID:      line.ItemID,
			Description: line.Description,
			OrderedQty:  line.OrderedQty,
			ReceivedQty: line.ReceivedQty,
			UnitCost:    line.UnitCost,
		})
	}
	g, err := h.service.CreateGRN(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, g)
}

func (h *Handler) deleteGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteGRN(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.TransitionGRN(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Goods receipt", g.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, g)
}

func (h *Handler) completeInspection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req inspectionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	g, err := h.service.CompleteInspection(r.Context(), id, InspectionInput{
		ActorID:         shared.ActorID(r.Context()),
		Quality:         QualityStatus(req.Quality),
		RejectionReason: req.RejectionReason,
		IdempotencyKey:  key,
	})
	if err != nil {
		h.logger.Error("complete inspection", slog.Int64("grn_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, g)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.CreatePayment(r.Context(), CreatePaymentInput{
		POID:      req.POID,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		CreatedBy: shared.ActorID(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePayment(r.Context(), id, shared.ActorID(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.TransitionPayment(r.Context(), id, docflow.Operation(req.Operation), TransitionInput{
		ActorID: shared.ActorID(r.Context()),
		Remarks: req.Remarks,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.notifyDecision(r.Context(), "Purchase payment", p.Number, docflow.Operation(req.Operation))
	httpx.JSON(w, http.StatusOK, p)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}
