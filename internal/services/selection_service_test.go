package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/selection"
	"budgetbase/internal/storage"
)

func TestSelectionService(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for _, id := range []string{"g1", "g2"} {
		if _, err := s.Grants.Create(ctx, core.Grant{ID: id, Name: id, TotalAmount: d(1), Currency: "XOF"}); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewSelectionService(s, nil, identity.Context{}, time.Hour, log.Discard())
	defer svc.Close()

	alice := as(core.Profile{UserID: "alice", Profession: core.ProfessionAccountant})
	bob := as(core.Profile{UserID: "bob", Profession: core.ProfessionAccountant})

	active, err := svc.Active(alice)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active != "g1" {
		t.Errorf("default active = %q, want g1", active)
	}
	if _, ok, _ := s.Settings.Get(ctx, selection.Key("alice")); ok {
		t.Error("loading wrote a setting")
	}

	if err := svc.Select(alice, "g2"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if v, ok, _ := s.Settings.Get(ctx, selection.Key("alice")); !ok || v != "g2" {
		t.Errorf("stored selection = %q, %v", v, ok)
	}
	if active, _ := svc.Active(alice); active != "g2" {
		t.Errorf("active after select = %q, want g2", active)
	}

	if err := svc.Select(bob, "missing"); !errors.Is(err, core.ErrValidation) {
		t.Errorf("unknown grant error = %v", err)
	}
	if active, _ := svc.Active(bob); active != "g1" {
		t.Errorf("bob active = %q, want g1", active)
	}

	if err := s.Grants.Delete(ctx, "g2"); err != nil {
		t.Fatal(err)
	}
	if active, _ := svc.Reload(alice); active != "g1" {
		t.Errorf("active after grant removal = %q, want g1", active)
	}

	if _, err := svc.Active(ctx); !errors.Is(err, identity.ErrNoProfile) {
		t.Errorf("no profile error = %v", err)
	}
}
