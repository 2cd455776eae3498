package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStores(t *testing.T) map[string]*Store {
	return map[string]*Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(openTestDB(t)),
	}
}

func TestRepositoryCRUD(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := s.Engagements

			created, err := repo.Create(ctx, core.Engagement{GrantID: "g1", Amount: decimal.NewFromInt(300), Date: core.NewDate(2024, 1, 5)})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.ID == "" {
				t.Fatal("expected generated id")
			}
			if _, err := repo.Create(ctx, core.Engagement{ID: "fixed", GrantID: "g2"}); err != nil {
				t.Fatalf("create fixed: %v", err)
			}
			if _, err := repo.Create(ctx, core.Engagement{ID: "fixed"}); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected duplicate error, got %v", err)
			}

			got, err := repo.Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.Amount.Equal(decimal.NewFromInt(300)) || !got.Date.Equal(core.NewDate(2024, 1, 5).Time) {
				t.Fatalf("unexpected record %+v", got)
			}

			got.Amount = decimal.NewFromInt(500)
			if err := repo.Update(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			all, err := repo.GetAll(ctx)
			if err != nil {
				t.Fatalf("get all: %v", err)
			}
			if len(all) != 2 || all[0].ID != created.ID || !all[0].Amount.Equal(decimal.NewFromInt(500)) {
				t.Fatalf("unexpected list %+v", all)
			}

			if err := repo.Delete(ctx, created.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := repo.Get(ctx, created.ID); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := repo.Delete(ctx, created.ID); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
			if err := repo.Update(ctx, core.Engagement{ID: "missing"}); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("expected not found on update, got %v", err)
			}
		})
	}
}

func TestMemoryRepositoryIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[core.Prefinancing](core.KindPrefinancing)
	p, _ := repo.Create(ctx, core.Prefinancing{Repayments: []core.Repayment{{ID: "r1"}}})
	p.Repayments[0].ID = "changed"

	stored, _ := repo.Get(ctx, p.ID)
	if stored.Repayments[0].ID != "r1" {
		t.Fatal("store shares memory with caller")
	}
}

func TestSettings(t *testing.T) {
	mr := miniredis.RunT(t)
	redisSettings, err := NewRedisSettings("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer redisSettings.Close()

	stores := map[string]SettingsStore{
		"memory": NewMemorySettings(),
		"sqlite": NewSQLSettings(openTestDB(t)),
		"redis":  redisSettings,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := s.Get(ctx, "active_grant_id:u1"); err != nil || ok {
				t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
			}
			if err := s.Set(ctx, "active_grant_id:u1", "g1"); err != nil {
				t.Fatal(err)
			}
			if err := s.Set(ctx, "active_grant_id:u1", "g2"); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get(ctx, "active_grant_id:u1")
			if err != nil || !ok || v != "g2" {
				t.Fatalf("got %q ok=%v err=%v", v, ok, err)
			}
		})
	}

	if got, _ := mr.Get("settings:active_grant_id:u1"); got != "g2" {
		t.Fatalf("unexpected redis key content %q", got)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	if got := pg.rebind("SELECT 1 WHERE a = ? AND b = ?"); got != "SELECT 1 WHERE a = $1 AND b = $2" {
		t.Fatalf("got %q", got)
	}
	lite := &DB{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("got %q", got)
	}
}

const seedYAML = `
grants:
  - id: g1
    name: Programme Eau
    totalAmount: 1000000
    currency: XOF
    startDate: 2024-01-01
    endDate: "2025-12-31"
budgetLines:
  - id: bl1
    grantId: g1
    name: Personnel
    notifiedAmount: 1000
subBudgetLines:
  - id: sl1
    grantId: g1
    budgetLineId: bl1
    name: Salaires
    notifiedAmount: "1000.50"
`

func TestSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(seed.Grants) != 1 || !seed.Grants[0].StartDate.Equal(core.NewDate(2024, 1, 1).Time) {
		t.Fatalf("unexpected grants %+v", seed.Grants)
	}
	if !seed.SubBudgetLines[0].NotifiedAmount.Equal(decimal.RequireFromString("1000.5")) {
		t.Fatalf("unexpected amount %s", seed.SubBudgetLines[0].NotifiedAmount)
	}

	s := NewMemoryStore()
	if err := seed.Apply(context.Background(), s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	lines, _ := s.SubBudgetLines.GetAll(context.Background())
	if len(lines) != 1 || lines[0].BudgetLineID != "bl1" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}
