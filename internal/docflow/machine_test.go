package docflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMachine() *Machine {
	return NewMachine("test_doc", map[Operation]Rule{
		"submit": {
			From: []Status{"DRAFT"},
			To:   "PENDING_REVIEW",
		},
		"submit_for_approval": {
			From:        []Status{"PENDING_REVIEW"},
			To:          "PENDING_APPROVAL",
			SetApproval: ApprovalPending,
		},
		"approve": {
			From:            []Status{"PENDING_APPROVAL"},
			RequireApproval: []Approval{ApprovalPending},
			To:              "APPROVED",
			SetApproval:     ApprovalApproved,
		},
		"cancel": {
			From: []Status{"DRAFT", "PENDING_REVIEW", "PENDING_APPROVAL"},
			To:   "CANCELLED",
		},
	})
}

func TestApplyFollowsTable(t *testing.T) {
	m := testMachine()

	state := State{Status: "DRAFT", Approval: ApprovalNotRequired}
	state, err := m.Apply(state, "submit")
	require.NoError(t, err)
	require.Equal(t, Status("PENDING_REVIEW"), state.Status)
	require.Equal(t, ApprovalNotRequired, state.Approval)

	state, err = m.Apply(state, "submit_for_approval")
	require.NoError(t, err)
	require.Equal(t, Status("PENDING_APPROVAL"), state.Status)
	require.Equal(t, ApprovalPending, state.Approval)

	state, err = m.Apply(state, "approve")
	require.NoError(t, err)
	require.Equal(t, Status("APPROVED"), state.Status)
	require.Equal(t, ApprovalApproved, state.Approval)
}

func TestApplyRejectsIllegalSourceState(t *testing.T) {
	m := testMachine()

	before := State{Status: "APPROVED", Approval: ApprovalApproved}
	after, err := m.Apply(before, "submit")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	// State returned unchanged on failure.
	require.Equal(t, before, after)

	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	require.Equal(t, "test_doc", ite.Kind)
	require.Equal(t, Status("APPROVED"), ite.Current)
	require.Equal(t, []Status{"DRAFT"}, ite.Allowed)
}

func TestApplyRejectsUnknownOperation(t *testing.T) {
	m := testMachine()
	_, err := m.Apply(State{Status: "DRAFT"}, "frobnicate")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestApprovalGate(t *testing.T) {
	m := testMachine()

	// Right status, wrong approval state.
	cur := State{Status: "PENDING_APPROVAL", Approval: ApprovalNotRequired}
	_, err := m.Apply(cur, "approve")
	require.Error(t, err)

	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	require.True(t, ite.ApprovalGate)
}

func TestOperationsListsPermitted(t *testing.T) {
	m := testMachine()

	ops := m.Operations(State{Status: "DRAFT"})
	require.Equal(t, []Operation{"cancel", "submit"}, ops)

	ops = m.Operations(State{Status: "CANCELLED"})
	require.Empty(t, ops)
}

func TestCan(t *testing.T) {
	m := testMachine()
	require.True(t, m.Can(State{Status: "DRAFT"}, "submit"))
	require.False(t, m.Can(State{Status: "CANCELLED"}, "submit"))
}
