package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/keystone-erp/keystone-erp/internal/jobs"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Runner holds the dependencies the task handlers need.
type Runner struct {
	pool    *pgxpool.Pool
	idem    *shared.IdempotencyStore
	audit   *shared.AuditLogger
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewRunner constructs a Runner.
func NewRunner(pool *pgxpool.Pool, idem *shared.IdempotencyStore, audit *shared.AuditLogger, logger *slog.Logger, metrics *jobmetrics.Metrics) *Runner {
	return &Runner{pool: pool, idem: idem, audit: audit, logger: logger, metrics: metrics}
}

// Handlers returns the task registrations for this runner.
func (r *Runner) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskIdempotencyCleanup, Handler: r.HandleIdempotencyCleanup},
		{Type: TaskStaleDraftScan, Handler: r.HandleStaleDraftScan},
		{Type: TaskSendEmail, Handler: r.HandleSendEmail},
	}
}

// HandleIdempotencyCleanup prunes idempotency keys older than the
// payload's retention window.
func (r *Runner) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	tracker := r.metrics.Track("idempotency_cleanup")
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	err := r.idem.Cleanup(ctx, retention)
	if err != nil {
		r.logger.Error("idempotency cleanup", slog.Any("error", err))
	}
	return tracker.End(err)
}

// staleDraftTargets maps a document kind to the table and status scanned by
// the stale-draft job. Payments start in PENDING rather than DRAFT.
var staleDraftTargets = []struct {
	kind   string
	table  string
	status string
}{
	{"enquiry", "enquiries", "DRAFT"},
	{"quotation", "quotations", "DRAFT"},
	{"purchase_intent", "purchase_intents", "DRAFT"},
	{"purchase_order", "purchase_orders", "DRAFT"},
	{"goods_receipt_note", "goods_receipt_notes", "DRAFT"},
	{"purchase_payment", "purchase_payments", "PENDING"},
}

// HandleStaleDraftScan counts documents that have idled in their initial
// state past the cutoff, publishes the counts as gauges and leaves an
// audit trail entry for any kind with stale documents.
func (r *Runner) HandleStaleDraftScan(ctx context.Context, t *asynq.Task) error {
	tracker := r.metrics.Track("stale_draft_scan")
	var payload StaleDraftScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return asynq.SkipRetry
	}
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = 14 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-olderThan)

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range staleDraftTargets {
		g.Go(func() error {
			var count int
			err := r.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM `+target.table+` WHERE status = $1 AND updated_at < $2`,
				target.status, cutoff).Scan(&count)
			if err != nil {
				r.logger.Error("stale draft scan", slog.String("kind", target.kind), slog.Any("error", err))
				return err
			}
			r.metrics.SetStaleDocuments(target.kind, count)
			if count > 0 {
				r.logger.Warn("stale drafts found",
					slog.String("kind", target.kind),
					slog.Int("count", count),
					slog.Time("cutoff", cutoff))
				if err := r.audit.Record(ctx, shared.AuditLog{
					Action:   "stale_draft_scan",
					Entity:   "documents",
					EntityID: target.kind,
					Meta:     map[string]any{"count": count, "cutoff": cutoff},
				}); err != nil {
					r.logger.Error("stale draft audit", slog.String("kind", target.kind), slog.Any("error", err))
				}
			}
			return nil
		})
	}
	return tracker.End(g.Wait())
}

// HandleSendEmail processes TaskSendEmail tasks.
func (r *Runner) HandleSendEmail(ctx context.Context, t *asynq.Task) error {
	tracker := r.metrics.Track("send_email")
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return asynq.SkipRetry
	}
	// TODO: wire the SMTP relay once the notification templates land.
	r.logger.Info("send email", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return tracker.End(nil)
}
