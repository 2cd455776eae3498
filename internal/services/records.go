package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"budgetbase/internal/approval"
	"budgetbase/internal/core"
	"budgetbase/internal/keylock"
	"budgetbase/internal/ledger"
	"budgetbase/internal/log"
	"budgetbase/internal/rollup"
	"budgetbase/internal/storage"
)

type signableRecord[T any] interface {
	*T
	approval.Signable
	GrantRef() string
}

// signRecord holds the record lock from the read through the write, so the
// CanSign check runs against the state it mutates.
func signRecord[T any, P signableRecord[T]](ctx context.Context, locks *keylock.Map, kind core.Kind, repo storage.Repository[T], id string, signer approval.Signer, observation string, today core.Date) (string, approval.Slot, error) {
	defer locks.Lock(recordKey(kind, id))()

	item, err := repo.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	slot, err := approval.Sign(P(&item), signer, observation, today)
	if err != nil {
		return "", slot, err
	}
	if err := repo.Update(ctx, item); err != nil {
		return "", slot, fmt.Errorf("save signature: %w", err)
	}
	return P(&item).GrantRef(), slot, nil
}

// Sign signs the slot bound to the current user's profession on the record.
func (s *BudgetService) Sign(ctx context.Context, kind core.Kind, id, observation string) (approval.Slot, error) {
	p, err := s.profile(ctx)
	if err != nil {
		return "", err
	}
	signer := approval.Signer{Name: p.FullName, Profession: p.Profession}
	today := s.today()

	var (
		grantID string
		slot    approval.Slot
	)
	switch kind {
	case core.KindEngagement:
		grantID, slot, err = signRecord[core.Engagement](ctx, s.records, kind, s.store.Engagements, id, signer, observation, today)
	case core.KindPayment:
		grantID, slot, err = signRecord[core.Payment](ctx, s.records, kind, s.store.Payments, id, signer, observation, today)
	case core.KindPrefinancing:
		grantID, slot, err = signRecord[core.Prefinancing](ctx, s.records, kind, s.store.Prefinancings, id, signer, observation, today)
	case core.KindEmployeeLoan:
		grantID, slot, err = signRecord[core.EmployeeLoan](ctx, s.records, kind, s.store.EmployeeLoans, id, signer, observation, today)
	default:
		return "", validation("kind", fmt.Sprintf("%s records are not signed", kind))
	}
	if err != nil {
		if errors.Is(err, core.ErrPermissionDenied) {
			s.logger.WarnContext(ctx, "Signature refused",
				log.FieldKind, string(kind), log.FieldRecordID, id, log.FieldUserID, p.UserID, log.FieldError, err)
		}
		return slot, err
	}

	s.logger.InfoContext(ctx, "Record signed",
		log.FieldKind, string(kind), log.FieldRecordID, id, log.FieldSlot, string(slot), log.FieldUserID, p.UserID)
	s.changed(ctx, log.OpSign, kind, id, grantID)
	s.refresh(ctx)
	return slot, nil
}

type repayableRecord[T any] interface {
	*T
	ledger.Repayable
	GrantRef() string
}

func repayRecord[T any, P repayableRecord[T]](ctx context.Context, locks *keylock.Map, kind core.Kind, repo storage.Repository[T], id string, in ledger.RepaymentInput) (string, core.Repayment, error) {
	defer locks.Lock(recordKey(kind, id))()

	item, err := repo.Get(ctx, id)
	if err != nil {
		return "", core.Repayment{}, err
	}
	row, err := ledger.AddRepayment(P(&item), in)
	if err != nil {
		return "", core.Repayment{}, err
	}
	if err := repo.Update(ctx, item); err != nil {
		return "", core.Repayment{}, fmt.Errorf("save repayment: %w", err)
	}
	return P(&item).GrantRef(), row, nil
}

// AddRepayment appends a repayment to a prefinancing or employee loan.
func (s *BudgetService) AddRepayment(ctx context.Context, kind core.Kind, id string, in ledger.RepaymentInput) (core.Repayment, error) {
	if in.Date.IsEmpty() {
		in.Date = s.today()
	}
	var (
		grantID string
		row     core.Repayment
		err     error
	)
	switch kind {
	case core.KindPrefinancing:
		grantID, row, err = repayRecord[core.Prefinancing](ctx, s.records, kind, s.store.Prefinancings, id, in)
	case core.KindEmployeeLoan:
		grantID, row, err = repayRecord[core.EmployeeLoan](ctx, s.records, kind, s.store.EmployeeLoans, id, in)
	default:
		return core.Repayment{}, validation("kind", fmt.Sprintf("%s records take no repayments", kind))
	}
	if err != nil {
		return core.Repayment{}, err
	}
	s.logger.InfoContext(ctx, "Repayment recorded",
		log.FieldKind, string(kind), log.FieldRecordID, id, log.FieldAmount, row.Amount.String())
	s.changed(ctx, log.OpRepay, kind, id, grantID)
	return row, nil
}

// CreateGrant stores a grant and, when it carries a bank account snapshot,
// the mirrored BankAccount.
func (s *BudgetService) CreateGrant(ctx context.Context, g core.Grant) (core.Grant, error) {
	g.PlannedAmount = decimal.Zero
	if err := g.Validate(); err != nil {
		return core.Grant{}, err
	}
	created, err := s.store.Grants.Create(ctx, g)
	if err != nil {
		return core.Grant{}, fmt.Errorf("create grant: %w", err)
	}
	if created.BankAccount != nil {
		acct := mirrorAccount(created.ID, *created.BankAccount)
		if _, err := s.store.BankAccounts.Create(ctx, acct); err != nil {
			return created, fmt.Errorf("create grant bank account: %w", err)
		}
	}
	s.changed(ctx, log.OpCreate, core.KindGrant, created.ID, created.ID)
	return created, nil
}

func mirrorAccount(grantID string, snap core.GrantBankAccount) core.BankAccount {
	return core.BankAccount{
		ID:             core.GrantAccountID(grantID),
		GrantID:        grantID,
		Name:           snap.Name,
		AccountNumber:  snap.AccountNumber,
		BankName:       snap.BankName,
		Balance:        snap.Balance,
		LastUpdateDate: snap.LastUpdateDate,
	}
}

func snapshotOf(a core.BankAccount) *core.GrantBankAccount {
	return &core.GrantBankAccount{
		Name:           a.Name,
		AccountNumber:  a.AccountNumber,
		BankName:       a.BankName,
		Balance:        a.Balance,
		LastUpdateDate: a.LastUpdateDate,
	}
}

func sameSnapshot(a, b *core.GrantBankAccount) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name && a.AccountNumber == b.AccountNumber && a.BankName == b.BankName &&
		a.Balance.Equal(b.Balance) && a.LastUpdateDate.Equal(b.LastUpdateDate.Time)
}

// grantAccount returns the mirrored account, creating it from the grant's
// snapshot when it does not exist yet.
func (s *BudgetService) grantAccount(ctx context.Context, g core.Grant) (core.BankAccount, error) {
	acct, err := s.store.BankAccounts.Get(ctx, core.GrantAccountID(g.ID))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.BankAccount{}, err
	}
	if g.BankAccount == nil {
		return core.BankAccount{}, validation("bankAccount", "grant has no bank account")
	}
	return s.store.BankAccounts.Create(ctx, mirrorAccount(g.ID, *g.BankAccount))
}

// RecordBankTransaction books a signed amount on a grant's account and
// updates the grant's snapshot to the new balance.
func (s *BudgetService) RecordBankTransaction(ctx context.Context, grantID string, amount decimal.Decimal, label string, date core.Date) (core.BankAccount, error) {
	if amount.IsZero() {
		return core.BankAccount{}, validation("amount", "must not be zero")
	}
	if strings.TrimSpace(label) == "" {
		return core.BankAccount{}, validation("label", "is required")
	}
	if date.IsEmpty() {
		date = s.today()
	}
	defer s.rollup.LockGrant(grantID)()

	g, err := s.store.Grants.Get(ctx, grantID)
	if err != nil {
		return core.BankAccount{}, err
	}
	acct, err := s.grantAccount(ctx, g)
	if err != nil {
		return core.BankAccount{}, err
	}

	acct.Balance = acct.Balance.Add(amount)
	acct.LastUpdateDate = date
	acct.Transactions = append(append([]core.BankTransaction(nil), acct.Transactions...), core.BankTransaction{
		ID:           uuid.NewString(),
		Date:         date,
		Label:        strings.TrimSpace(label),
		Amount:       amount,
		BalanceAfter: acct.Balance,
	})
	if err := s.store.BankAccounts.Update(ctx, acct); err != nil {
		return core.BankAccount{}, fmt.Errorf("update bank account: %w", err)
	}

	g.BankAccount = snapshotOf(acct)
	if err := s.store.Grants.Update(ctx, g); err != nil {
		return acct, fmt.Errorf("update grant bank snapshot: %w", err)
	}
	s.changed(ctx, log.OpUpdate, core.KindBankAccount, acct.ID, grantID)
	return acct, nil
}

// UpdateGrantBankAccount changes the account details of a grant. The balance
// of an existing account only moves through transactions.
func (s *BudgetService) UpdateGrantBankAccount(ctx context.Context, grantID string, details core.GrantBankAccount) (core.BankAccount, error) {
	if strings.TrimSpace(details.AccountNumber) == "" {
		return core.BankAccount{}, validation("accountNumber", "is required")
	}
	defer s.rollup.LockGrant(grantID)()

	g, err := s.store.Grants.Get(ctx, grantID)
	if err != nil {
		return core.BankAccount{}, err
	}

	acct, err := s.store.BankAccounts.Get(ctx, core.GrantAccountID(grantID))
	switch {
	case errors.Is(err, core.ErrNotFound):
		acct, err = s.store.BankAccounts.Create(ctx, mirrorAccount(grantID, details))
		if err != nil {
			return core.BankAccount{}, fmt.Errorf("create grant bank account: %w", err)
		}
	case err != nil:
		return core.BankAccount{}, err
	default:
		acct.Name, acct.AccountNumber, acct.BankName = details.Name, details.AccountNumber, details.BankName
		if !details.LastUpdateDate.IsEmpty() {
			acct.LastUpdateDate = details.LastUpdateDate
		}
		if err := s.store.BankAccounts.Update(ctx, acct); err != nil {
			return core.BankAccount{}, fmt.Errorf("update bank account: %w", err)
		}
	}

	g.BankAccount = snapshotOf(acct)
	if err := s.store.Grants.Update(ctx, g); err != nil {
		return acct, fmt.Errorf("update grant bank snapshot: %w", err)
	}
	s.changed(ctx, log.OpUpdate, core.KindGrant, grantID, grantID)
	return acct, nil
}

// SaveBudgetLine creates the line when it has no id and updates it
// otherwise. Engaged amounts are owned by the rollup and kept.
func (s *BudgetService) SaveBudgetLine(ctx context.Context, l core.BudgetLine) (core.BudgetLine, error) {
	if err := l.Validate(); err != nil {
		return core.BudgetLine{}, err
	}
	if _, err := s.store.Grants.Get(ctx, l.GrantID); errors.Is(err, core.ErrNotFound) {
		return core.BudgetLine{}, validation("grantId", "unknown grant")
	} else if err != nil {
		return core.BudgetLine{}, err
	}

	op := log.OpCreate
	if l.ID == "" {
		l.EngagedAmount, l.PlannedAmount = decimal.Zero, decimal.Zero
		l.AvailableAmount = l.NotifiedAmount
		created, err := s.store.BudgetLines.Create(ctx, l)
		if err != nil {
			return core.BudgetLine{}, fmt.Errorf("create budget line: %w", err)
		}
		l = created
	} else {
		updated, err := s.updateBudgetLine(ctx, l)
		if err != nil {
			return core.BudgetLine{}, err
		}
		l = updated
		op = log.OpUpdate
	}

	if _, err := s.rollup.RecomputePlannedAll(ctx); err != nil {
		return l, err
	}
	s.changed(ctx, op, core.KindBudgetLine, l.ID, l.GrantID)
	return s.store.BudgetLines.Get(ctx, l.ID)
}

// updateBudgetLine rewrites the user-editable fields of a line under its
// rollup lock, keeping the amounts the rollup owns.
func (s *BudgetService) updateBudgetLine(ctx context.Context, l core.BudgetLine) (core.BudgetLine, error) {
	defer s.rollup.LockLine(l.ID)()

	prev, err := s.store.BudgetLines.Get(ctx, l.ID)
	if err != nil {
		return core.BudgetLine{}, err
	}
	if prev.GrantID != l.GrantID {
		return core.BudgetLine{}, validation("grantId", "cannot move a budget line to another grant")
	}
	l.EngagedAmount, l.PlannedAmount = prev.EngagedAmount, prev.PlannedAmount
	l.AvailableAmount = l.NotifiedAmount.Sub(l.EngagedAmount)
	if err := s.store.BudgetLines.Update(ctx, l); err != nil {
		return core.BudgetLine{}, fmt.Errorf("update budget line: %w", err)
	}
	return l, nil
}

// SaveSubBudgetLine creates or updates a sub-line and reruns the planned
// pass. An unset planned amount defaults to the notified amount.
func (s *BudgetService) SaveSubBudgetLine(ctx context.Context, sl core.SubBudgetLine) (core.SubBudgetLine, error) {
	if err := sl.Validate(); err != nil {
		return core.SubBudgetLine{}, err
	}
	parent, err := s.store.BudgetLines.Get(ctx, sl.BudgetLineID)
	if errors.Is(err, core.ErrNotFound) {
		return core.SubBudgetLine{}, validation("budgetLineId", "unknown budget line")
	}
	if err != nil {
		return core.SubBudgetLine{}, err
	}
	if parent.GrantID != sl.GrantID {
		return core.SubBudgetLine{}, validation("grantId", "does not own the budget line")
	}
	if sl.PlannedAmount.IsZero() {
		sl.PlannedAmount = sl.NotifiedAmount
	}

	op := log.OpCreate
	if sl.ID == "" {
		sl.EngagedAmount = decimal.Zero
		sl.AvailableAmount = sl.NotifiedAmount
		created, err := s.store.SubBudgetLines.Create(ctx, sl)
		if err != nil {
			return core.SubBudgetLine{}, fmt.Errorf("create sub-budget-line: %w", err)
		}
		sl = created
	} else {
		updated, err := s.updateSubBudgetLine(ctx, sl)
		if err != nil {
			return core.SubBudgetLine{}, err
		}
		sl = updated
		op = log.OpUpdate
	}

	if _, err := s.rollup.RecomputePlannedAll(ctx); err != nil {
		return sl, err
	}
	s.changed(ctx, op, core.KindSubBudgetLine, sl.ID, sl.GrantID)
	return sl, nil
}

// updateSubBudgetLine rewrites a sub-line under its budget line's rollup
// lock. Commitments point at both the line and the sub-line, so a sub-line
// cannot change budget line.
func (s *BudgetService) updateSubBudgetLine(ctx context.Context, sl core.SubBudgetLine) (core.SubBudgetLine, error) {
	defer s.rollup.LockLine(sl.BudgetLineID)()

	prev, err := s.store.SubBudgetLines.Get(ctx, sl.ID)
	if err != nil {
		return core.SubBudgetLine{}, err
	}
	if prev.BudgetLineID != sl.BudgetLineID {
		return core.SubBudgetLine{}, validation("budgetLineId", "cannot move a sub-budget-line to another budget line")
	}
	sl.EngagedAmount = prev.EngagedAmount
	sl.AvailableAmount = sl.NotifiedAmount.Sub(sl.EngagedAmount)
	if err := s.store.SubBudgetLines.Update(ctx, sl); err != nil {
		return core.SubBudgetLine{}, fmt.Errorf("update sub-budget-line: %w", err)
	}
	return sl, nil
}

// DeleteSubBudgetLine removes a sub-line and reruns the planned pass.
func (s *BudgetService) DeleteSubBudgetLine(ctx context.Context, id string) error {
	prev, err := s.store.SubBudgetLines.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.rollup.LockLine(prev.BudgetLineID)
	err = s.store.SubBudgetLines.Delete(ctx, id)
	unlock()
	if err != nil {
		return fmt.Errorf("delete sub-budget-line: %w", err)
	}
	if _, err := s.rollup.RecomputePlannedAll(ctx); err != nil {
		return err
	}
	s.changed(ctx, log.OpDelete, core.KindSubBudgetLine, id, prev.GrantID)
	return nil
}

// DeleteBudgetLine removes a budget line and all of its sub-lines.
func (s *BudgetService) DeleteBudgetLine(ctx context.Context, id string) (int, error) {
	prev, err := s.store.BudgetLines.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	removed, err := s.rollup.DeleteBudgetLine(ctx, id)
	if err != nil {
		return removed, err
	}
	s.changed(ctx, log.OpDelete, core.KindBudgetLine, id, prev.GrantID)
	return removed, nil
}

// Reconcile recomputes every derived amount from scratch and realigns the
// grant bank snapshots with their accounts.
func (s *BudgetService) Reconcile(ctx context.Context) (rollup.Result, error) {
	res, err := s.rollup.Reconcile(ctx)
	if err != nil {
		return res, err
	}

	grants, err := s.store.Grants.GetAll(ctx)
	if err != nil {
		return res, fmt.Errorf("list grants: %w", err)
	}
	for _, g := range grants {
		realigned, err := s.realignSnapshot(ctx, g.ID)
		if err != nil {
			return res, err
		}
		if realigned {
			res.Snapshots++
			s.logger.WarnContext(ctx, "Grant bank snapshot realigned", log.FieldGrantID, g.ID)
		}
	}

	s.logger.InfoContext(ctx, "Reconciliation finished",
		log.FieldOperation, log.OpRecompute, "sub_lines", res.SubLines, "lines", res.Lines,
		"grants", res.Grants, "bank_snapshots", res.Snapshots)
	s.refresh(ctx)
	return res, nil
}

// realignSnapshot copies a grant's bank account into the grant's snapshot
// when they differ. Grants without an account are left alone.
func (s *BudgetService) realignSnapshot(ctx context.Context, grantID string) (bool, error) {
	defer s.rollup.LockGrant(grantID)()

	g, err := s.store.Grants.Get(ctx, grantID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	acct, err := s.store.BankAccounts.Get(ctx, core.GrantAccountID(grantID))
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	snap := snapshotOf(acct)
	if sameSnapshot(g.BankAccount, snap) {
		return false, nil
	}
	g.BankAccount = snap
	if err := s.store.Grants.Update(ctx, g); err != nil {
		return false, fmt.Errorf("update grant bank snapshot: %w", err)
	}
	return true, nil
}

func recordKey(kind core.Kind, id string) string {
	return string(kind) + "/" + id
}
