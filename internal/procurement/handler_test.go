package procurement

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

	h.notifyDecision(ctx, "Purchase intent", "PI2025030001", OpApprove)
	require.Len(t, mail.sent, 1)
	require.Equal(t, "approvals@keystone.test", mail.sent[0].To)
	require.Equal(t, "Purchase intent PI2025030001 approved", mail.sent[0].Subject)

	h.notifyDecision(ctx, "Goods receipt", "GRN2025030001", OpReject)
	require.Len(t, mail.sent, 2)
	require.Equal(t, "Goods receipt GRN2025030001 rejected", mail.sent[1].Subject)

	// Non-decision operations stay quiet.
	h.notifyDecision(ctx, "Purchase intent", "PI2025030001", OpMarkReceived)
	require.Len(t, mail.sent, 2)
}
