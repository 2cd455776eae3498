// Package notify derives the records awaiting the current viewer's
// signature and publishes the resulting counts.
package notify

import (
	"budgetbase/internal/approval"
	"budgetbase/internal/core"
)

// Pendable is a record that carries an approval chain and belongs to a grant.
type Pendable interface {
	GetApprovals() core.Approvals
	GrantRef() string
}

// IsPending reports whether a record with approvals a waits on a viewer
// holding profession p.
func IsPending(a core.Approvals, p core.Profession) bool {
	slot, ok := approval.SlotFor(p)
	if !ok {
		return false
	}
	switch slot {
	case approval.SlotSupervisor1:
		return !a.Supervisor1.IsSigned()
	case approval.SlotSupervisor2:
		return !a.Supervisor2.IsSigned()
	case approval.SlotFinalApproval:
		return a.Supervisor1.IsSigned() && a.Supervisor2.IsSigned() && !a.FinalApproval.IsSigned()
	}
	return false
}

// Pending filters records to those awaiting profession p. A non-empty scope
// restricts the result to one grant before the predicate runs.
func Pending[T Pendable](records []T, p core.Profession, scope string) []T {
	out := make([]T, 0)
	for _, r := range records {
		if scope != "" && r.GrantRef() != scope {
			continue
		}
		if IsPending(r.GetApprovals(), p) {
			out = append(out, r)
		}
	}
	return out
}

// Collections is the record set the snapshot is computed from.
type Collections struct {
	Engagements   []core.Engagement
	Payments      []core.Payment
	Prefinancings []core.Prefinancing
	EmployeeLoans []core.EmployeeLoan
}

// Snapshot holds pending-signature counts for one viewer.
type Snapshot struct {
	Profession    core.Profession `json:"profession"`
	Scope         string          `json:"scope,omitempty"`
	Engagements   int             `json:"engagements"`
	Payments      int             `json:"payments"`
	Prefinancings int             `json:"prefinancings"`
	EmployeeLoans int             `json:"employeeLoans"`
	Total         int             `json:"total"`
}

// Compute derives the snapshot for a viewer. It has no side effects.
func Compute(c Collections, p core.Profession, scope string) Snapshot {
	s := Snapshot{
		Profession:    p,
		Scope:         scope,
		Engagements:   len(Pending(c.Engagements, p, scope)),
		Payments:      len(Pending(c.Payments, p, scope)),
		Prefinancings: len(Pending(c.Prefinancings, p, scope)),
		EmployeeLoans: len(Pending(c.EmployeeLoans, p, scope)),
	}
	s.Total = s.Engagements + s.Payments + s.Prefinancings + s.EmployeeLoans
	return s
}
