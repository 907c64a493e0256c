// Package jobs holds the background task definitions and the Asynq worker
// that runs them: periodic idempotency-key cleanup, a stale-draft scan over
// the document tables, and transactional mail.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskIdempotencyCleanup prunes consumed idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
	// TaskStaleDraftScan counts documents idling in DRAFT past a cutoff.
	TaskStaleDraftScan = "documents:stale_draft_scan"
	// TaskSendEmail sends transactional notification emails.
	TaskSendEmail = "mail:send"
)

// IdempotencyCleanupPayload controls the cleanup retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}

// StaleDraftScanPayload controls the staleness cutoff.
type StaleDraftScanPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewStaleDraftScanTask constructs a stale-draft scan task.
func NewStaleDraftScanTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(StaleDraftScanPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleDraftScan, data, asynq.Queue(QueueDefault)), nil
}

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs a send-email task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendEmail, data, asynq.Queue(QueueDefault)), nil
}
