package sales

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/keystone-erp/keystone-erp/internal/rbac"
	"github.com/keystone-erp/keystone-erp/jobs"
)

type memoryMailQueue struct {
	sent []jobs.SendEmailPayload
}

func (m *memoryMailQueue) EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error) {
	m.sent = append(m.sent, payload)
	return &asynq.TaskInfo{}, nil
}

func TestNotifyDecisionQueuesApprovalMail(t *testing.T) {
	mail := &memoryMailQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, nil, rbac.Middleware{}, mail, "approvals@keystone.test")
	ctx := context.Background()

	h.notifyDecision(ctx, "Enquiry", "EN-2025-00001", OpApprove)
	require.Len(t, mail.sent, 1)
	require.Equal(t, "approvals@keystone.test", mail.sent[0].To)
	require.Equal(t, "Enquiry EN-2025-00001 approved", mail.sent[0].Subject)

	h.notifyDecision(ctx, "Quotation", "QT-2025-00001", OpReject)
	require.Len(t, mail.sent, 2)
	require.Equal(t, "Quotation QT-2025-00001 rejected", mail.sent[1].Subject)

	// Non-decision operations stay quiet.
	h.notifyDecision(ctx, "Enquiry", "EN-2025-00001", OpSubmit)
	require.Len(t, mail.sent, 2)
}

func TestNotifyDecisionDisabledWithoutQueueOrAddress(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	h := NewHandler(logger, nil, rbac.Middleware{}, nil, "approvals@keystone.test")
	h.notifyDecision(ctx, "Enquiry", "EN-2025-00001", OpApprove)

	mail := &memoryMailQueue{}
	h = NewHandler(logger, nil, rbac.Middleware{}, mail, "")
	h.notifyDecision(ctx, "Enquiry", "EN-2025-00001", OpApprove)
	require.Empty(t, mail.sent)
}
