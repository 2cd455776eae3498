package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbase/internal/approval"
	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/ledger"
	"budgetbase/internal/log"
	"budgetbase/internal/notify"
	"budgetbase/internal/rollup"
	"budgetbase/internal/storage"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type recordingPublisher struct {
	mu        sync.Mutex
	events    []core.RecordEvent
	snapshots map[string]notify.Snapshot
}

func (p *recordingPublisher) PublishRecordEvent(_ context.Context, ev core.RecordEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) PublishSnapshot(_ context.Context, viewer string, s notify.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshots == nil {
		p.snapshots = make(map[string]notify.Snapshot)
	}
	p.snapshots[viewer] = s
	return nil
}

func (p *recordingPublisher) last() core.RecordEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return core.RecordEvent{}
	}
	return p.events[len(p.events)-1]
}

var (
	coordinator = core.Profile{UserID: "u-coord", FullName: "Awa Coord", Profession: core.ProfessionGrantCoordinator}
	accountant  = core.Profile{UserID: "u-acc", FullName: "Issa Compta", Profession: core.ProfessionAccountant}
	national    = core.Profile{UserID: "u-nat", FullName: "Mariam Nat", Profession: core.ProfessionNationalCoordinator}
)

func as(p core.Profile) context.Context {
	return identity.WithProfile(context.Background(), p)
}

func newTestService(t *testing.T) (*BudgetService, *storage.Store, *recordingPublisher) {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	if _, err := s.Grants.Create(ctx, core.Grant{ID: "g", Name: "G", TotalAmount: d(5000), Currency: "XOF"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BudgetLines.Create(ctx, core.BudgetLine{ID: "bl", GrantID: "g", Name: "L", NotifiedAmount: d(1000), AvailableAmount: d(1000)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubBudgetLines.Create(ctx, core.SubBudgetLine{ID: "sl", GrantID: "g", BudgetLineID: "bl", Name: "S", NotifiedAmount: d(1000), AvailableAmount: d(1000), PlannedAmount: d(1000)}); err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	engine := rollup.NewEngine(s, rollup.ModeDelta, log.Discard())
	svc := NewBudgetService(s, engine, notify.NewHub(), identity.Context{}, pub, log.Discard())
	svc.today = func() core.Date { return core.NewDate(2024, 3, 1) }
	return svc, s, pub
}

func expectAmounts(t *testing.T, s *storage.Store, engaged, available int64) {
	t.Helper()
	ctx := context.Background()
	sub, err := s.SubBudgetLines.Get(ctx, "sl")
	if err != nil {
		t.Fatal(err)
	}
	line, err := s.BudgetLines.Get(ctx, "bl")
	if err != nil {
		t.Fatal(err)
	}
	if !sub.EngagedAmount.Equal(d(engaged)) || !sub.AvailableAmount.Equal(d(available)) {
		t.Fatalf("sub-line engaged=%s available=%s, want %d/%d", sub.EngagedAmount, sub.AvailableAmount, engaged, available)
	}
	if !line.EngagedAmount.Equal(d(engaged)) || !line.AvailableAmount.Equal(d(available)) {
		t.Fatalf("line engaged=%s available=%s, want %d/%d", line.EngagedAmount, line.AvailableAmount, engaged, available)
	}
}

func engagement(amount int64) core.Engagement {
	return core.Engagement{GrantID: "g", BudgetLineID: "bl", SubBudgetLineID: "sl", Description: "Laptops", Amount: d(amount)}
}

func TestEngagementRollup(t *testing.T) {
	ctx := as(coordinator)
	svc, s, pub := newTestService(t)

	created, err := svc.CreateEngagement(ctx, engagement(300))
	if err != nil {
		t.Fatalf("CreateEngagement() error = %v", err)
	}
	if created.Status != core.EngagementPending || created.Date.IsEmpty() {
		t.Errorf("defaults not applied: %+v", created)
	}
	expectAmounts(t, s, 300, 700)
	if ev := pub.last(); ev.Kind != core.KindEngagement || ev.Op != log.OpCreate || ev.ID != created.ID {
		t.Errorf("last event = %+v", ev)
	}

	created.Amount = d(500)
	if _, err := svc.UpdateEngagement(ctx, created, false); err != nil {
		t.Fatalf("UpdateEngagement() error = %v", err)
	}
	expectAmounts(t, s, 500, 500)

	if err := svc.DeleteEngagement(ctx, created.ID); err != nil {
		t.Fatalf("DeleteEngagement() error = %v", err)
	}
	expectAmounts(t, s, 0, 1000)
}

func TestCreateEngagementValidation(t *testing.T) {
	ctx := as(coordinator)
	tests := []struct {
		name  string
		edit  func(e *core.Engagement)
		field string
	}{
		{"zero amount", func(e *core.Engagement) { e.Amount = decimal.Zero }, "amount"},
		{"unknown sub-line", func(e *core.Engagement) { e.SubBudgetLineID = "nope" }, "subBudgetLineId"},
		{"wrong budget line", func(e *core.Engagement) { e.BudgetLineID = "other" }, "budgetLineId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, s, _ := newTestService(t)
			e := engagement(100)
			tt.edit(&e)
			_, err := svc.CreateEngagement(ctx, e)
			var verr *core.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("error = %v, want validation on %s", err, tt.field)
			}
			all, _ := s.Engagements.GetAll(context.Background())
			if len(all) != 0 {
				t.Errorf("record written on validation failure")
			}
			expectAmounts(t, s, 0, 1000)
		})
	}
}

func TestUpdateEngagementApprovals(t *testing.T) {
	svc, _, _ := newTestService(t)
	created, err := svc.CreateEngagement(as(coordinator), engagement(100))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Sign(as(coordinator), core.KindEngagement, created.ID, ""); err != nil {
		t.Fatal(err)
	}

	kept, err := svc.UpdateEngagement(as(coordinator), created, false)
	if err != nil {
		t.Fatal(err)
	}
	if !kept.Approvals.Supervisor1.IsSigned() {
		t.Error("approvals dropped on a plain update")
	}

	reset, err := svc.UpdateEngagement(as(coordinator), kept, true)
	if err != nil {
		t.Fatal(err)
	}
	if reset.Approvals.Supervisor1 != nil {
		t.Error("approvals kept on a full edit")
	}
}

func TestSignChain(t *testing.T) {
	svc, s, pub := newTestService(t)
	created, err := svc.CreateEngagement(as(coordinator), engagement(100))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Sign(as(national), core.KindEngagement, created.ID, ""); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("final approval before supervisors: error = %v", err)
	}

	steps := []struct {
		who  core.Profile
		slot approval.Slot
	}{
		{coordinator, approval.SlotSupervisor1},
		{accountant, approval.SlotSupervisor2},
		{national, approval.SlotFinalApproval},
	}
	for _, step := range steps {
		slot, err := svc.Sign(as(step.who), core.KindEngagement, created.ID, "ok")
		if err != nil {
			t.Fatalf("Sign(%s) error = %v", step.who.UserID, err)
		}
		if slot != step.slot {
			t.Errorf("Sign(%s) slot = %s, want %s", step.who.UserID, slot, step.slot)
		}
	}

	got, err := s.Engagements.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !approval.Complete(got.Approvals) {
		t.Errorf("chain incomplete: %+v", got.Approvals)
	}
	if got.Approvals.FinalApproval.Name != national.FullName || !got.Approvals.FinalApproval.Date.Equal(core.NewDate(2024, 3, 1).Time) {
		t.Errorf("final signature = %+v", got.Approvals.FinalApproval)
	}
	if ev := pub.last(); ev.Op != log.OpSign {
		t.Errorf("last event op = %s, want sign", ev.Op)
	}

	if _, err := svc.Sign(as(coordinator), core.KindEngagement, created.ID, ""); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("double signature: error = %v", err)
	}
}

func TestSignErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	created, err := svc.CreateEngagement(as(coordinator), engagement(100))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ctx  context.Context
		kind core.Kind
		id   string
		want error
	}{
		{"no profile", context.Background(), core.KindEngagement, created.ID, identity.ErrNoProfile},
		{"profession without slot", as(core.Profile{UserID: "u-x", Profession: core.ProfessionUnknown}), core.KindEngagement, created.ID, core.ErrPermissionDenied},
		{"unknown record", as(coordinator), core.KindEngagement, "missing", core.ErrNotFound},
		{"unsigned kind", as(coordinator), core.KindBudgetLine, "bl", core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Sign(tt.ctx, tt.kind, tt.id, ""); !errors.Is(err, tt.want) {
				t.Errorf("Sign() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func receive(t *testing.T, ch <-chan notify.Snapshot) notify.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("snapshot channel closed")
		}
		return s
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
	return notify.Snapshot{}
}

func TestWatchPendingSnapshots(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := as(coordinator)

	ch, cancel, err := svc.Watch(ctx, "g")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()
	if s := receive(t, ch); s.Total != 0 {
		t.Fatalf("initial snapshot total = %d, want 0", s.Total)
	}

	created, err := svc.CreateEngagement(ctx, engagement(100))
	if err != nil {
		t.Fatal(err)
	}
	if s := receive(t, ch); s.Engagements != 1 || s.Total != 1 {
		t.Fatalf("after create = %+v, want one pending engagement", s)
	}

	if _, err := svc.Sign(ctx, core.KindEngagement, created.ID, ""); err != nil {
		t.Fatal(err)
	}
	if s := receive(t, ch); s.Total != 0 {
		t.Fatalf("after sign total = %d, want 0", s.Total)
	}

	pub.mu.Lock()
	forwarded := pub.snapshots[coordinator.UserID]
	pub.mu.Unlock()
	if forwarded.Total != 0 || forwarded.Scope != "g" {
		t.Errorf("forwarded snapshot = %+v", forwarded)
	}
}

func TestWatchScopeExcludesOtherGrants(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := as(coordinator)
	if _, err := svc.CreateEngagement(ctx, engagement(100)); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.PendingSnapshot(ctx, "other-grant")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total != 0 {
		t.Errorf("scoped total = %d, want 0", snap.Total)
	}
	snap, err = svc.PendingSnapshot(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total != 1 {
		t.Errorf("unscoped total = %d, want 1", snap.Total)
	}
}

func TestEmployeeLoanRepayments(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(accountant)
	loan, err := svc.CreateEmployeeLoan(ctx, core.EmployeeLoan{GrantID: "g", EmployeeName: "Kofi", Amount: d(1200), Installments: 3})
	if err != nil {
		t.Fatalf("CreateEmployeeLoan() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.AddRepayment(ctx, core.KindEmployeeLoan, loan.ID, ledger.RepaymentInput{Amount: d(400)}); err != nil {
			t.Fatalf("repayment %d error = %v", i+1, err)
		}
	}
	got, err := s.EmployeeLoans.Get(context.Background(), loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.LoanCompleted || len(got.Repayments) != 3 {
		t.Errorf("loan status=%s rows=%d, want completed/3", got.Status, len(got.Repayments))
	}
	if !ledger.Remaining(&got).IsZero() {
		t.Errorf("remaining = %s", ledger.Remaining(&got))
	}

	if _, err := svc.AddRepayment(ctx, core.KindEmployeeLoan, loan.ID, ledger.RepaymentInput{Amount: d(1)}); !ledger.IsOverRepayment(err) {
		t.Errorf("over-repayment error = %v", err)
	}
	if _, err := svc.AddRepayment(ctx, core.KindEngagement, "x", ledger.RepaymentInput{Amount: d(1)}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("wrong kind error = %v", err)
	}
}

func TestPrefinancingRepayment(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(accountant)
	pf, err := svc.CreatePrefinancing(ctx, core.Prefinancing{GrantID: "g", Beneficiary: "Coop", Amount: d(500)})
	if err != nil {
		t.Fatal(err)
	}
	if pf.Status != core.PrefinancingDraft {
		t.Errorf("status = %s, want draft", pf.Status)
	}
	if _, err := svc.AddRepayment(ctx, core.KindPrefinancing, pf.ID, ledger.RepaymentInput{Amount: d(200)}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Prefinancings.Get(context.Background(), pf.ID)
	if got.Status != core.PrefinancingDraft || !ledger.Remaining(&got).Equal(d(300)) {
		t.Errorf("after partial repayment status=%s remaining=%s", got.Status, ledger.Remaining(&got))
	}
	if _, err := svc.AddRepayment(ctx, core.KindPrefinancing, pf.ID, ledger.RepaymentInput{Amount: d(300)}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Prefinancings.Get(context.Background(), pf.ID)
	if got.Status != core.PrefinancingRepaid {
		t.Errorf("status = %s, want repaid", got.Status)
	}
}

func TestCreatePaymentChecksEngagement(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := as(accountant)
	eng, err := svc.CreateEngagement(ctx, engagement(100))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CreatePayment(ctx, core.Payment{GrantID: "g", EngagementID: "missing", Beneficiary: "B", Amount: d(10)}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("unknown engagement error = %v", err)
	}
	if _, err := svc.CreatePayment(ctx, core.Payment{GrantID: "other", EngagementID: eng.ID, Beneficiary: "B", Amount: d(10)}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("grant mismatch error = %v", err)
	}
	p, err := svc.CreatePayment(ctx, core.Payment{GrantID: "g", EngagementID: eng.ID, Beneficiary: "B", Amount: d(10)})
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if p.Status != core.PaymentPending || p.Approvals.Supervisor1 != nil {
		t.Errorf("payment defaults = %+v", p)
	}
}

func TestBankMirror(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(accountant)
	bg := context.Background()

	g, err := svc.CreateGrant(ctx, core.Grant{
		Name: "Mirrored", TotalAmount: d(10000), Currency: "XOF",
		BankAccount: &core.GrantBankAccount{Name: "Main", AccountNumber: "CI-001", BankName: "BOA", Balance: d(1000)},
	})
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}
	if _, err := s.BankAccounts.Get(bg, core.GrantAccountID(g.ID)); err != nil {
		t.Fatalf("mirrored account missing: %v", err)
	}

	acct, err := svc.RecordBankTransaction(ctx, g.ID, d(-250), "Supplier", core.Date{})
	if err != nil {
		t.Fatalf("RecordBankTransaction() error = %v", err)
	}
	if !acct.Balance.Equal(d(750)) || len(acct.Transactions) != 1 || !acct.Transactions[0].BalanceAfter.Equal(d(750)) {
		t.Errorf("account after debit = %+v", acct)
	}
	got, _ := s.Grants.Get(bg, g.ID)
	if !got.BankAccount.Balance.Equal(d(750)) {
		t.Errorf("grant snapshot balance = %s, want 750", got.BankAccount.Balance)
	}

	if _, err := svc.RecordBankTransaction(ctx, g.ID, decimal.Zero, "x", core.Date{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("zero amount error = %v", err)
	}
	if _, err := svc.RecordBankTransaction(ctx, "g", d(10), "x", core.Date{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("grant without account error = %v", err)
	}

	got.BankAccount.Balance = decimal.Zero
	if err := s.Grants.Update(bg, got); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Snapshots != 1 {
		t.Errorf("realigned snapshots = %d, want 1", res.Snapshots)
	}
	got, _ = s.Grants.Get(bg, g.ID)
	if !got.BankAccount.Balance.Equal(d(750)) {
		t.Errorf("snapshot not realigned: %s", got.BankAccount.Balance)
	}

	acct, err = svc.UpdateGrantBankAccount(ctx, g.ID, core.GrantBankAccount{Name: "Renamed", AccountNumber: "CI-002", BankName: "SGBCI", Balance: d(99999)})
	if err != nil {
		t.Fatalf("UpdateGrantBankAccount() error = %v", err)
	}
	if acct.AccountNumber != "CI-002" || !acct.Balance.Equal(d(750)) {
		t.Errorf("account after detail update = %+v", acct)
	}
}

func TestBudgetLinePlanning(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(coordinator)
	bg := context.Background()

	line, err := svc.SaveBudgetLine(ctx, core.BudgetLine{GrantID: "g", Name: "Travel", NotifiedAmount: d(2000)})
	if err != nil {
		t.Fatalf("SaveBudgetLine() error = %v", err)
	}
	if !line.AvailableAmount.Equal(d(2000)) {
		t.Errorf("available = %s, want 2000", line.AvailableAmount)
	}

	sub, err := svc.SaveSubBudgetLine(ctx, core.SubBudgetLine{GrantID: "g", BudgetLineID: line.ID, Name: "Flights", NotifiedAmount: d(800)})
	if err != nil {
		t.Fatalf("SaveSubBudgetLine() error = %v", err)
	}
	if !sub.PlannedAmount.Equal(d(800)) {
		t.Errorf("planned default = %s, want 800", sub.PlannedAmount)
	}

	gotLine, _ := s.BudgetLines.Get(bg, line.ID)
	if !gotLine.PlannedAmount.Equal(d(800)) {
		t.Errorf("line planned = %s, want 800", gotLine.PlannedAmount)
	}
	grant, _ := s.Grants.Get(bg, "g")
	if !grant.PlannedAmount.Equal(d(1800)) {
		t.Errorf("grant planned = %s, want 1800", grant.PlannedAmount)
	}

	if _, err := svc.SaveSubBudgetLine(ctx, core.SubBudgetLine{GrantID: "g", BudgetLineID: "missing", Name: "X"}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("unknown parent error = %v", err)
	}

	removed, err := svc.DeleteBudgetLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("DeleteBudgetLine() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.SubBudgetLines.Get(bg, sub.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("sub-line survived cascade: %v", err)
	}
	grant, _ = s.Grants.Get(bg, "g")
	if !grant.PlannedAmount.Equal(d(1000)) {
		t.Errorf("grant planned after delete = %s, want 1000", grant.PlannedAmount)
	}
}

func TestSaveBudgetLineKeepsEngaged(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(coordinator)
	if _, err := svc.CreateEngagement(ctx, engagement(300)); err != nil {
		t.Fatal(err)
	}
	line, _ := s.BudgetLines.Get(context.Background(), "bl")
	line.NotifiedAmount = d(1500)
	line.EngagedAmount = decimal.Zero
	saved, err := svc.SaveBudgetLine(ctx, line)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.EngagedAmount.Equal(d(300)) || !saved.AvailableAmount.Equal(d(1200)) {
		t.Errorf("saved engaged=%s available=%s, want 300/1200", saved.EngagedAmount, saved.AvailableAmount)
	}
}

func TestConcurrentSignaturesKeepBothSlots(t *testing.T) {
	svc, s, _ := newTestService(t)
	created, err := svc.CreateEngagement(as(coordinator), engagement(100))
	if err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 20; round++ {
		approval.Reset(&created)
		if err := s.Engagements.Update(context.Background(), created); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, p := range []core.Profile{coordinator, accountant} {
			wg.Add(1)
			go func(i int, p core.Profile) {
				defer wg.Done()
				_, errs[i] = svc.Sign(as(p), core.KindEngagement, created.ID, "")
			}(i, p)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d signer %d error = %v", round, i, err)
			}
		}
		got, err := s.Engagements.Get(context.Background(), created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Approvals.Supervisor1.IsSigned() || !got.Approvals.Supervisor2.IsSigned() {
			t.Fatalf("round %d lost a signature: %+v", round, got.Approvals)
		}
	}
}

func TestConcurrentRepaymentsCannotOverpay(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(accountant)
	pf, err := svc.CreatePrefinancing(ctx, core.Prefinancing{GrantID: "g", Beneficiary: "Coop", Amount: d(1000)})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AddRepayment(ctx, core.KindPrefinancing, pf.ID, ledger.RepaymentInput{Amount: d(800)})
		}(i)
	}
	wg.Wait()

	var accepted, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case ledger.IsOverRepayment(err):
			refused++
		default:
			t.Fatalf("unexpected error = %v", err)
		}
	}
	if accepted != 1 || refused != 1 {
		t.Fatalf("accepted=%d refused=%d, want 1/1", accepted, refused)
	}
	got, err := s.Prefinancings.Get(context.Background(), pf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Repayments) != 1 || !ledger.Remaining(&got).Equal(d(200)) {
		t.Errorf("rows=%d remaining=%s, want 1/200", len(got.Repayments), ledger.Remaining(&got))
	}
}

func TestUpdateEngagementWithoutDateKeepsStoredDate(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(coordinator)
	created, err := svc.CreateEngagement(ctx, engagement(300))
	if err != nil {
		t.Fatal(err)
	}

	update := engagement(400)
	update.ID = created.ID
	saved, err := svc.UpdateEngagement(ctx, update, false)
	if err != nil {
		t.Fatalf("UpdateEngagement() error = %v", err)
	}
	if !saved.Date.Equal(created.Date.Time) {
		t.Errorf("date = %s, want %s", saved.Date, created.Date)
	}
	expectAmounts(t, s, 400, 600)
}

func TestWatchStreamsPerScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := as(coordinator)

	grantCh, cancelGrant, err := svc.Watch(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelGrant()
	if s := receive(t, grantCh); s.Scope != "g" {
		t.Fatalf("initial snapshot scope = %q, want g", s.Scope)
	}
	otherCh, cancelOther, err := svc.Watch(ctx, "g2")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelOther()
	if s := receive(t, otherCh); s.Scope != "g2" {
		t.Fatalf("initial snapshot scope = %q, want g2", s.Scope)
	}

	if _, err := svc.CreateEngagement(ctx, engagement(100)); err != nil {
		t.Fatal(err)
	}
	if s := receive(t, grantCh); s.Scope != "g" || s.Engagements != 1 {
		t.Fatalf("grant stream got %+v, want one engagement in g", s)
	}
	select {
	case s := <-grantCh:
		t.Fatalf("grant stream received another snapshot: %+v", s)
	case s := <-otherCh:
		t.Fatalf("g2 stream received a snapshot: %+v", s)
	default:
	}
}

func TestSaveSubBudgetLineRejectsMove(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(coordinator)
	if _, err := s.BudgetLines.Create(context.Background(), core.BudgetLine{ID: "bl2", GrantID: "g", Name: "L2", NotifiedAmount: d(500), AvailableAmount: d(500)}); err != nil {
		t.Fatal(err)
	}
	sub, err := s.SubBudgetLines.Get(context.Background(), "sl")
	if err != nil {
		t.Fatal(err)
	}
	sub.BudgetLineID = "bl2"
	if _, err := svc.SaveSubBudgetLine(ctx, sub); !errors.Is(err, core.ErrValidation) {
		t.Errorf("move error = %v, want validation", err)
	}
}

func TestConcurrentBankTransactionsAllBooked(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := as(accountant)
	if _, err := svc.UpdateGrantBankAccount(ctx, "g", core.GrantBankAccount{Name: "Main", AccountNumber: "CI-001", BankName: "BOA"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecordBankTransaction(ctx, "g", d(10), "deposit", core.Date{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	acct, err := s.BankAccounts.Get(context.Background(), core.GrantAccountID("g"))
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Balance.Equal(d(200)) || len(acct.Transactions) != 20 {
		t.Errorf("balance=%s transactions=%d, want 200/20", acct.Balance, len(acct.Transactions))
	}
	g, err := s.Grants.Get(context.Background(), "g")
	if err != nil {
		t.Fatal(err)
	}
	if g.BankAccount == nil || !g.BankAccount.Balance.Equal(d(200)) {
		t.Errorf("grant snapshot = %+v, want balance 200", g.BankAccount)
	}
}
