// Package docflow implements the guarded status workflow shared by every
// numbered document kind (enquiries, quotations, purchase intents, purchase
// orders, goods receipts, payments). Each kind declares a transition table
// once; services apply named operations against it instead of repeating
// inline status checks.
package docflow

import "sort"

// Status is a document's primary lifecycle state.
type Status string

// Approval is the secondary approval state, orthogonal to Status but gating
// some transitions.
type Approval string

const (
	ApprovalNotRequired Approval = "NOT_REQUIRED"
	ApprovalPending     Approval = "PENDING"
	ApprovalApproved    Approval = "APPROVED"
	ApprovalRejected    Approval = "REJECTED"
)

// Operation names a lifecycle action (submit, approve, convert, ...).
type Operation string

// State pairs the two status fields carried by every document.
type State struct {
	Status   Status
	Approval Approval
}

// Rule describes one legal transition.
type Rule struct {
	// From lists the statuses the operation may start from.
	From []Status
	// RequireApproval, when non-empty, additionally restricts the
	// approval states the operation may start from.
	RequireApproval []Approval
	// To is the resulting status.
	To Status
	// SetApproval, when non-empty, is the resulting approval state;
	// otherwise the approval state is left unchanged.
	SetApproval Approval
}

// Machine is an immutable transition table for one document kind.
type Machine struct {
	kind  string
	rules map[Operation]Rule
}

// NewMachine builds a machine from a rule table. The table is not copied;
// callers declare it once as a package-level value.
func NewMachine(kind string, rules map[Operation]Rule) *Machine {
	return &Machine{kind: kind, rules: rules}
}

// Kind returns the document kind the machine governs.
func (m *Machine) Kind() string {
	return m.kind
}

// Apply validates op against the current state and returns the resulting
// state. The document is never touched here; services persist the returned
// state and any payload fields as one atomic update after Apply succeeds.
func (m *Machine) Apply(cur State, op Operation) (State, error) {
	rule, ok := m.rules[op]
	if !ok {
		return cur, &InvalidTransitionError{Kind: m.kind, Operation: op, Current: cur.Status}
	}
	if !statusIn(cur.Status, rule.From) {
		return cur, &InvalidTransitionError{Kind: m.kind, Operation: op, Current: cur.Status, Allowed: append([]Status(nil), rule.From...)}
	}
	if len(rule.RequireApproval) > 0 && !approvalIn(cur.Approval, rule.RequireApproval) {
		return cur, &InvalidTransitionError{Kind: m.kind, Operation: op, Current: cur.Status, Allowed: append([]Status(nil), rule.From...), ApprovalGate: true}
	}
	next := State{Status: rule.To, Approval: cur.Approval}
	if rule.SetApproval != "" {
		next.Approval = rule.SetApproval
	}
	return next, nil
}

// Can reports whether op is permitted from the current state.
func (m *Machine) Can(cur State, op Operation) bool {
	_, err := m.Apply(cur, op)
	return err == nil
}

// Operations returns the operations permitted from the current state,
// sorted for stable output.
func (m *Machine) Operations(cur State) []Operation {
	var ops []Operation
	for op := range m.rules {
		if m.Can(cur, op) {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func approvalIn(a Approval, set []Approval) bool {
	for _, v := range set {
		if v == a {
			return true
		}
	}
	return false
}
