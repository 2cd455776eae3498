// Package approval implements the three-slot signature chain shared by
// engagements, payments, prefinancings and employee loans.
package approval

import (
	"fmt"
	"strings"

	"budgetbase/internal/core"
)

type Slot string

const (
	SlotSupervisor1   Slot = "supervisor1"
	SlotSupervisor2   Slot = "supervisor2"
	SlotFinalApproval Slot = "finalApproval"
)

// Slots lists the chain in display order.
var Slots = []Slot{SlotSupervisor1, SlotSupervisor2, SlotFinalApproval}

var slotByProfession = map[core.Profession]Slot{
	core.ProfessionGrantCoordinator:    SlotSupervisor1,
	core.ProfessionAccountant:          SlotSupervisor2,
	core.ProfessionNationalCoordinator: SlotFinalApproval,
}

// prerequisites lists the slots that must be signed before a slot opens.
var prerequisites = map[Slot][]Slot{
	SlotSupervisor1:   {},
	SlotSupervisor2:   {},
	SlotFinalApproval: {SlotSupervisor1, SlotSupervisor2},
}

// ParseSlot returns the slot named s and whether it is part of the chain.
func ParseSlot(s string) (Slot, bool) {
	slot := Slot(s)
	_, ok := prerequisites[slot]
	return slot, ok
}

// SlotFor returns the slot a profession is bound to.
func SlotFor(p core.Profession) (Slot, bool) {
	slot, ok := slotByProfession[p]
	return slot, ok
}

func signatureAt(a core.Approvals, slot Slot) *core.Signature {
	switch slot {
	case SlotSupervisor1:
		return a.Supervisor1
	case SlotSupervisor2:
		return a.Supervisor2
	case SlotFinalApproval:
		return a.FinalApproval
	}
	return nil
}

// Blockers reports the prerequisites of slot that are not signed yet.
func Blockers(a core.Approvals, slot Slot) []Slot {
	deps := prerequisites[slot]
	blockers := make([]Slot, 0, len(deps))
	for _, dep := range deps {
		if !signatureAt(a, dep).IsSigned() {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}

// CanSign decides whether a signer with the given profession may sign slot.
func CanSign(a core.Approvals, p core.Profession, slot Slot) bool {
	if _, ok := prerequisites[slot]; !ok {
		return false
	}
	if bound, ok := SlotFor(p); !ok || bound != slot {
		return false
	}
	if signatureAt(a, slot).IsSigned() {
		return false
	}
	return len(Blockers(a, slot)) == 0
}

// Signer identifies who is signing.
type Signer struct {
	Name       string
	Profession core.Profession
}

// Apply returns a copy of a with slot signed. a itself is never modified.
func Apply(a core.Approvals, slot Slot, signer Signer, observation string, today core.Date) (core.Approvals, error) {
	if !CanSign(a, signer.Profession, slot) {
		return a, denied(a, slot, signer.Profession)
	}
	sig := &core.Signature{
		Name:        signer.Name,
		Date:        today,
		Signed:      true,
		Observation: strings.TrimSpace(observation),
	}
	next := a
	switch slot {
	case SlotSupervisor1:
		next.Supervisor1 = sig
	case SlotSupervisor2:
		next.Supervisor2 = sig
	case SlotFinalApproval:
		next.FinalApproval = sig
	}
	return next, nil
}

func denied(a core.Approvals, slot Slot, p core.Profession) error {
	if _, ok := prerequisites[slot]; !ok {
		return fmt.Errorf("%w: unknown approval slot %q", core.ErrPermissionDenied, slot)
	}
	if bound, ok := SlotFor(p); !ok || bound != slot {
		return fmt.Errorf("%w: profession %q cannot sign %s", core.ErrPermissionDenied, p, slot)
	}
	if signatureAt(a, slot).IsSigned() {
		return fmt.Errorf("%w: %s already signed", core.ErrPermissionDenied, slot)
	}
	return fmt.Errorf("%w: %s waiting on %v", core.ErrPermissionDenied, slot, Blockers(a, slot))
}

// Signable is any record that owns an approval chain.
type Signable interface {
	GetApprovals() core.Approvals
	SetApprovals(core.Approvals)
}

// Sign signs the slot bound to the signer's profession on record. On error
// the record is left untouched.
func Sign(record Signable, signer Signer, observation string, today core.Date) (Slot, error) {
	slot, ok := SlotFor(signer.Profession)
	if !ok {
		return "", fmt.Errorf("%w: profession %q takes no part in approvals", core.ErrPermissionDenied, signer.Profession)
	}
	next, err := Apply(record.GetApprovals(), slot, signer, observation, today)
	if err != nil {
		return slot, err
	}
	record.SetApprovals(next)
	return slot, nil
}

// Reset clears every slot. It backs the full edit path only.
func Reset(record Signable) {
	record.SetApprovals(core.Approvals{})
}

// Status summarizes the chain for display.
func Status(a core.Approvals) map[Slot]bool {
	out := make(map[Slot]bool, len(Slots))
	for _, s := range Slots {
		out[s] = signatureAt(a, s).IsSigned()
	}
	return out
}

// Complete reports whether every slot has been signed.
func Complete(a core.Approvals) bool {
	return a.Supervisor1.IsSigned() && a.Supervisor2.IsSigned() && a.FinalApproval.IsSigned()
}
