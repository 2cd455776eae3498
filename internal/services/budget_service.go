package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"budgetbase/internal/approval"
	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/keylock"
	"budgetbase/internal/log"
	"budgetbase/internal/notify"
	"budgetbase/internal/rollup"
	"budgetbase/internal/storage"
)

// Publisher forwards confirmed writes and snapshots to the broker.
type Publisher interface {
	PublishRecordEvent(ctx context.Context, ev core.RecordEvent) error
	PublishSnapshot(ctx context.Context, viewer string, s notify.Snapshot) error
}

// View is the full record set as loaded by BudgetService.Load.
type View struct {
	Grants         []core.Grant
	BudgetLines    []core.BudgetLine
	SubBudgetLines []core.SubBudgetLine
	BankAccounts   []core.BankAccount
	notify.Collections
}

type watcher struct {
	profession core.Profession
	refs       int
}

// BudgetService orchestrates validation, persistence, rollups and snapshot
// publication for every record kind.
type BudgetService struct {
	store     *storage.Store
	rollup    *rollup.Engine
	hub       *notify.Hub
	identity  identity.Provider
	publisher Publisher
	logger    *log.Logger
	audit     *log.StructuredLogger
	today     func() core.Date
	records   *keylock.Map

	mu       sync.Mutex
	watchers map[notify.Viewer]*watcher
}

func NewBudgetService(store *storage.Store, engine *rollup.Engine, hub *notify.Hub, provider identity.Provider, publisher Publisher, logger *log.Logger) *BudgetService {
	if logger == nil {
		logger = log.Discard()
	}
	if hub == nil {
		hub = notify.NewHub()
	}
	logger = logger.WithComponent(log.ComponentBudget)
	return &BudgetService{
		store:     store,
		rollup:    engine,
		hub:       hub,
		identity:  provider,
		publisher: publisher,
		logger:    logger,
		audit:     log.NewStructuredLogger(logger),
		today:     core.Today,
		records:   keylock.New(),
		watchers:  make(map[notify.Viewer]*watcher),
	}
}

func (s *BudgetService) Hub() *notify.Hub { return s.hub }

// Load fetches every collection concurrently.
func (s *BudgetService) Load(ctx context.Context) (View, error) {
	var v View
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { v.Grants, err = s.store.Grants.GetAll(ctx); return })
	g.Go(func() (err error) { v.BudgetLines, err = s.store.BudgetLines.GetAll(ctx); return })
	g.Go(func() (err error) { v.SubBudgetLines, err = s.store.SubBudgetLines.GetAll(ctx); return })
	g.Go(func() (err error) { v.BankAccounts, err = s.store.BankAccounts.GetAll(ctx); return })
	g.Go(func() (err error) { v.Engagements, err = s.store.Engagements.GetAll(ctx); return })
	g.Go(func() (err error) { v.Payments, err = s.store.Payments.GetAll(ctx); return })
	g.Go(func() (err error) { v.Prefinancings, err = s.store.Prefinancings.GetAll(ctx); return })
	g.Go(func() (err error) { v.EmployeeLoans, err = s.store.EmployeeLoans.GetAll(ctx); return })
	if err := g.Wait(); err != nil {
		return View{}, fmt.Errorf("load records: %w", err)
	}
	return v, nil
}

func (s *BudgetService) collections(ctx context.Context) (notify.Collections, error) {
	var c notify.Collections
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { c.Engagements, err = s.store.Engagements.GetAll(ctx); return })
	g.Go(func() (err error) { c.Payments, err = s.store.Payments.GetAll(ctx); return })
	g.Go(func() (err error) { c.Prefinancings, err = s.store.Prefinancings.GetAll(ctx); return })
	g.Go(func() (err error) { c.EmployeeLoans, err = s.store.EmployeeLoans.GetAll(ctx); return })
	if err := g.Wait(); err != nil {
		return c, fmt.Errorf("load approval records: %w", err)
	}
	return c, nil
}

func (s *BudgetService) profile(ctx context.Context) (core.Profile, error) {
	if s.identity == nil {
		return core.Profile{}, identity.ErrNoProfile
	}
	return s.identity.Profile(ctx)
}

// PendingSnapshot computes the current user's pending-signature counts and
// publishes them.
func (s *BudgetService) PendingSnapshot(ctx context.Context, scope string) (notify.Snapshot, error) {
	p, err := s.profile(ctx)
	if err != nil {
		return notify.Snapshot{}, err
	}
	c, err := s.collections(ctx)
	if err != nil {
		return notify.Snapshot{}, err
	}
	snap := notify.Compute(c, p.Profession, scope)
	s.publishSnapshot(ctx, notify.Viewer{UserID: p.UserID, Scope: scope}, snap)
	return snap, nil
}

// Watch subscribes the current user to snapshot updates for scope. The
// snapshot is recomputed after every write until cancel is called. Watching
// a second scope opens an independent stream.
func (s *BudgetService) Watch(ctx context.Context, scope string) (<-chan notify.Snapshot, func(), error) {
	p, err := s.profile(ctx)
	if err != nil {
		return nil, nil, err
	}
	viewer := notify.Viewer{UserID: p.UserID, Scope: scope}
	s.mu.Lock()
	w, ok := s.watchers[viewer]
	if !ok {
		w = &watcher{}
		s.watchers[viewer] = w
	}
	w.profession = p.Profession
	w.refs++
	s.mu.Unlock()

	ch, unsubscribe := s.hub.Subscribe(viewer)
	if _, err := s.PendingSnapshot(ctx, scope); err != nil {
		s.logger.WarnContext(ctx, "Initial snapshot failed", log.FieldUserID, p.UserID, log.FieldError, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			s.mu.Lock()
			if w.refs--; w.refs <= 0 {
				delete(s.watchers, viewer)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (s *BudgetService) publishSnapshot(ctx context.Context, viewer notify.Viewer, snap notify.Snapshot) {
	if !s.hub.Publish(viewer, snap) {
		return
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSnapshot(ctx, viewer.UserID, snap); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish snapshot", log.FieldUserID, viewer.UserID, log.FieldError, err)
	}
}

// refresh recomputes the snapshot of every watcher after a write.
func (s *BudgetService) refresh(ctx context.Context) {
	s.mu.Lock()
	if len(s.watchers) == 0 {
		s.mu.Unlock()
		return
	}
	targets := make(map[notify.Viewer]core.Profession, len(s.watchers))
	for v, w := range s.watchers {
		targets[v] = w.profession
	}
	s.mu.Unlock()

	c, err := s.collections(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Snapshot refresh failed", log.FieldError, err)
		return
	}
	for v, profession := range targets {
		s.publishSnapshot(ctx, v, notify.Compute(c, profession, v.Scope))
	}
}

// changed logs and announces a confirmed write.
func (s *BudgetService) changed(ctx context.Context, op string, kind core.Kind, id, grantID string) {
	s.audit.LogRecordChanged(ctx, op, string(kind), id, grantID)
	if s.publisher == nil {
		return
	}
	ev := core.RecordEvent{Kind: kind, ID: id, GrantID: grantID, Op: op, At: time.Now().UTC()}
	if err := s.publisher.PublishRecordEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish record event",
			log.FieldKind, string(kind), log.FieldRecordID, id, log.FieldError, err)
	}
}

func validation(field, msg string) error {
	return &core.ValidationError{Field: field, Message: msg}
}

// checkPlacement verifies the engagement's sub-line exists under its line.
func (s *BudgetService) checkPlacement(ctx context.Context, e core.Engagement) error {
	sub, err := s.store.SubBudgetLines.Get(ctx, e.SubBudgetLineID)
	if errors.Is(err, core.ErrNotFound) {
		return validation("subBudgetLineId", "unknown sub-budget-line")
	}
	if err != nil {
		return err
	}
	if sub.BudgetLineID != e.BudgetLineID {
		return validation("budgetLineId", "does not own the sub-budget-line")
	}
	if sub.GrantID != "" && sub.GrantID != e.GrantID {
		return validation("grantId", "does not own the sub-budget-line")
	}
	return nil
}

// CreateEngagement stores a new commitment with an empty approval chain and
// rolls its amount up to the sub-line and budget line.
func (s *BudgetService) CreateEngagement(ctx context.Context, e core.Engagement) (core.Engagement, error) {
	if e.Status == "" {
		e.Status = core.EngagementPending
	}
	if e.Date.IsEmpty() {
		e.Date = s.today()
	}
	approval.Reset(&e)
	if err := e.Validate(); err != nil {
		return core.Engagement{}, err
	}
	if err := s.checkPlacement(ctx, e); err != nil {
		return core.Engagement{}, err
	}

	created, err := s.store.Engagements.Create(ctx, e)
	if err != nil {
		return core.Engagement{}, fmt.Errorf("create engagement: %w", err)
	}
	if err := s.rollup.ApplyCommitment(ctx, created); err != nil {
		return created, fmt.Errorf("roll up engagement %s: %w", created.ID, err)
	}
	s.changed(ctx, log.OpCreate, core.KindEngagement, created.ID, created.GrantID)
	s.refresh(ctx)
	return created, nil
}

// UpdateEngagement replaces an engagement. Approvals are kept unless
// resetApprovals is set; signatures only change through Sign. An empty date
// keeps the stored one.
func (s *BudgetService) UpdateEngagement(ctx context.Context, e core.Engagement, resetApprovals bool) (core.Engagement, error) {
	unlock := s.records.Lock(recordKey(core.KindEngagement, e.ID))
	defer unlock()

	prev, err := s.store.Engagements.Get(ctx, e.ID)
	if err != nil {
		return core.Engagement{}, err
	}
	if e.Date.IsEmpty() {
		e.Date = prev.Date
	}
	if resetApprovals {
		approval.Reset(&e)
	} else {
		e.Approvals = prev.Approvals
	}
	if e.Status == "" {
		e.Status = prev.Status
	}
	if err := e.Validate(); err != nil {
		return core.Engagement{}, err
	}
	if err := s.checkPlacement(ctx, e); err != nil {
		return core.Engagement{}, err
	}

	if err := s.store.Engagements.Update(ctx, e); err != nil {
		return core.Engagement{}, fmt.Errorf("update engagement: %w", err)
	}
	err = s.rollup.AmendCommitment(ctx, prev, e)
	unlock()
	if err != nil {
		return e, fmt.Errorf("roll up engagement %s: %w", e.ID, err)
	}
	s.changed(ctx, log.OpUpdate, core.KindEngagement, e.ID, e.GrantID)
	s.refresh(ctx)
	return e, nil
}

// DeleteEngagement removes an engagement and reverses its amount.
func (s *BudgetService) DeleteEngagement(ctx context.Context, id string) error {
	unlock := s.records.Lock(recordKey(core.KindEngagement, id))
	defer unlock()

	prev, err := s.store.Engagements.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Engagements.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete engagement: %w", err)
	}
	err = s.rollup.RemoveCommitment(ctx, prev)
	unlock()
	if err != nil {
		return fmt.Errorf("roll up engagement %s: %w", id, err)
	}
	s.changed(ctx, log.OpDelete, core.KindEngagement, id, prev.GrantID)
	s.refresh(ctx)
	return nil
}

func (s *BudgetService) CreatePayment(ctx context.Context, p core.Payment) (core.Payment, error) {
	if p.Status == "" {
		p.Status = core.PaymentPending
	}
	if p.Date.IsEmpty() {
		p.Date = s.today()
	}
	p.Approvals = core.Approvals{}
	if err := p.Validate(); err != nil {
		return core.Payment{}, err
	}
	eng, err := s.store.Engagements.Get(ctx, p.EngagementID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Payment{}, validation("engagementId", "unknown engagement")
	}
	if err != nil {
		return core.Payment{}, err
	}
	if eng.GrantID != p.GrantID {
		return core.Payment{}, validation("grantId", "does not match the engagement")
	}

	created, err := s.store.Payments.Create(ctx, p)
	if err != nil {
		return core.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	s.changed(ctx, log.OpCreate, core.KindPayment, created.ID, created.GrantID)
	s.refresh(ctx)
	return created, nil
}

func (s *BudgetService) CreatePrefinancing(ctx context.Context, p core.Prefinancing) (core.Prefinancing, error) {
	if p.Status == "" {
		p.Status = core.PrefinancingDraft
	}
	if p.Date.IsEmpty() {
		p.Date = s.today()
	}
	p.Approvals = core.Approvals{}
	p.Repayments = nil
	if err := p.Validate(); err != nil {
		return core.Prefinancing{}, err
	}
	created, err := s.store.Prefinancings.Create(ctx, p)
	if err != nil {
		return core.Prefinancing{}, fmt.Errorf("create prefinancing: %w", err)
	}
	s.changed(ctx, log.OpCreate, core.KindPrefinancing, created.ID, created.GrantID)
	s.refresh(ctx)
	return created, nil
}

func (s *BudgetService) CreateEmployeeLoan(ctx context.Context, l core.EmployeeLoan) (core.EmployeeLoan, error) {
	if l.Status == "" {
		l.Status = core.LoanPending
	}
	if l.Date.IsEmpty() {
		l.Date = s.today()
	}
	l.Approvals = core.Approvals{}
	l.Repayments = nil
	if err := l.Validate(); err != nil {
		return core.EmployeeLoan{}, err
	}
	created, err := s.store.EmployeeLoans.Create(ctx, l)
	if err != nil {
		return core.EmployeeLoan{}, fmt.Errorf("create employee loan: %w", err)
	}
	s.changed(ctx, log.OpCreate, core.KindEmployeeLoan, created.ID, created.GrantID)
	s.refresh(ctx)
	return created, nil
}
