// Package rollup keeps engaged, available and planned amounts consistent
// as commitments and budget lines change.
package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
	"budgetbase/internal/keylock"
	"budgetbase/internal/log"
	"budgetbase/internal/storage"
)

// Mode selects how engaged amounts are maintained on writes.
type Mode string

const (
	// ModeDelta applies the signed difference of each change.
	ModeDelta Mode = "delta"
	// ModeFull recomputes the affected budget line from its commitments.
	ModeFull Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDelta, ModeFull:
		return Mode(s), nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown rollup mode %q", s)
}

// Result counts the records a recompute rewrote. Snapshots counts grant
// bank snapshots realigned with their account; the engine never sets it.
type Result struct {
	SubLines  int
	Lines     int
	Grants    int
	Snapshots int
}

type Engine struct {
	grants      storage.Repository[core.Grant]
	lines       storage.Repository[core.BudgetLine]
	subLines    storage.Repository[core.SubBudgetLine]
	engagements storage.Repository[core.Engagement]
	mode        Mode
	locks       *keylock.Map
	logger      *log.Logger
}

func NewEngine(s *storage.Store, mode Mode, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Discard()
	}
	return &Engine{
		grants:      s.Grants,
		lines:       s.BudgetLines,
		subLines:    s.SubBudgetLines,
		engagements: s.Engagements,
		mode:        mode,
		locks:       keylock.New(),
		logger:      logger.WithComponent(log.ComponentRollup),
	}
}

func (e *Engine) Mode() Mode { return e.mode }

// LockLine serialises writers of a budget line and its sub-lines. Callers
// outside the engine must release it before calling back into the engine.
func (e *Engine) LockLine(lineID string) func() {
	return e.locks.Lock(string(core.KindBudgetLine) + "/" + lineID)
}

// LockGrant serialises writers of a grant document.
func (e *Engine) LockGrant(grantID string) func() {
	return e.locks.Lock(string(core.KindGrant) + "/" + grantID)
}

func committed(eng core.Engagement) decimal.Decimal {
	if !eng.Commits() {
		return decimal.Zero
	}
	return eng.Amount
}

// ApplyCommitment accounts for a newly created commitment.
func (e *Engine) ApplyCommitment(ctx context.Context, eng core.Engagement) error {
	if e.mode == ModeFull {
		return e.recomputeLine(ctx, eng.BudgetLineID)
	}
	return e.adjust(ctx, eng.BudgetLineID, eng.SubBudgetLineID, committed(eng))
}

// AmendCommitment accounts for a commitment changing from prev to next. A
// move to another sub-line is a removal from the old parents followed by an
// addition to the new ones.
func (e *Engine) AmendCommitment(ctx context.Context, prev, next core.Engagement) error {
	samePlace := prev.BudgetLineID == next.BudgetLineID && prev.SubBudgetLineID == next.SubBudgetLineID
	if e.mode == ModeFull {
		if err := e.recomputeLine(ctx, next.BudgetLineID); err != nil {
			return err
		}
		if prev.BudgetLineID == next.BudgetLineID {
			return nil
		}
		return e.recomputeLine(ctx, prev.BudgetLineID)
	}

	if samePlace {
		return e.adjust(ctx, next.BudgetLineID, next.SubBudgetLineID, committed(next).Sub(committed(prev)))
	}
	if err := e.adjust(ctx, prev.BudgetLineID, prev.SubBudgetLineID, committed(prev).Neg()); err != nil {
		return err
	}
	return e.adjust(ctx, next.BudgetLineID, next.SubBudgetLineID, committed(next))
}

// RemoveCommitment reverses a deleted commitment with the symmetric
// negative delta.
func (e *Engine) RemoveCommitment(ctx context.Context, eng core.Engagement) error {
	if e.mode == ModeFull {
		return e.recomputeLine(ctx, eng.BudgetLineID)
	}
	return e.adjust(ctx, eng.BudgetLineID, eng.SubBudgetLineID, committed(eng).Neg())
}

// adjust adds delta to the engaged amount of a sub-line and its budget line.
// A missing parent is skipped and logged.
func (e *Engine) adjust(ctx context.Context, lineID, subLineID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	unlock := e.LockLine(lineID)
	defer unlock()

	sub, err := e.subLines.Get(ctx, subLineID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		e.logger.WarnContext(ctx, "Sub-budget-line missing, skipping rollup",
			log.FieldSubLine, subLineID, log.FieldDelta, delta.String())
	case err != nil:
		return fmt.Errorf("load sub-budget-line: %w", err)
	default:
		sub.EngagedAmount = sub.EngagedAmount.Add(delta)
		sub.AvailableAmount = sub.NotifiedAmount.Sub(sub.EngagedAmount)
		if err := e.subLines.Update(ctx, sub); err != nil {
			return fmt.Errorf("update sub-budget-line: %w", err)
		}
	}

	line, err := e.lines.Get(ctx, lineID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		e.logger.WarnContext(ctx, "Budget line missing, skipping rollup",
			log.FieldBudgetLine, lineID, log.FieldDelta, delta.String())
		return nil
	case err != nil:
		return fmt.Errorf("load budget line: %w", err)
	}
	line.EngagedAmount = line.EngagedAmount.Add(delta)
	line.AvailableAmount = line.NotifiedAmount.Sub(line.EngagedAmount)
	if err := e.lines.Update(ctx, line); err != nil {
		return fmt.Errorf("update budget line: %w", err)
	}

	e.logger.DebugContext(ctx, "Applied commitment delta",
		log.FieldBudgetLine, lineID, log.FieldSubLine, subLineID, log.FieldDelta, delta.String())
	return nil
}

// RecomputeEngaged rebuilds engaged and available amounts of every line and
// sub-line from the non-rejected commitments. Only changed records are
// written.
func (e *Engine) RecomputeEngaged(ctx context.Context) (Result, error) {
	res, _, err := e.recomputeEngaged(ctx)
	return res, err
}

// recomputeEngaged also returns the ids of the budget lines it rewrote.
func (e *Engine) recomputeEngaged(ctx context.Context) (Result, map[string]bool, error) {
	touched := make(map[string]bool)
	lines, err := e.lines.GetAll(ctx)
	if err != nil {
		return Result{}, touched, fmt.Errorf("list budget lines: %w", err)
	}
	var total Result
	for _, l := range lines {
		r, err := e.recomputeLineResult(ctx, l.ID)
		if err != nil {
			return total, touched, err
		}
		if r.Lines > 0 {
			touched[l.ID] = true
		}
		total.Lines += r.Lines
		total.SubLines += r.SubLines
	}
	return total, touched, nil
}

func (e *Engine) recomputeLine(ctx context.Context, lineID string) error {
	_, err := e.recomputeLineResult(ctx, lineID)
	return err
}

func (e *Engine) recomputeLineResult(ctx context.Context, lineID string) (Result, error) {
	unlock := e.LockLine(lineID)
	defer unlock()

	engagements, err := e.engagements.GetAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list engagements: %w", err)
	}
	subLines, err := e.subLines.GetAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list sub-budget-lines: %w", err)
	}

	lineTotal := decimal.Zero
	bySub := make(map[string]decimal.Decimal)
	for _, eng := range engagements {
		if eng.BudgetLineID != lineID {
			continue
		}
		amt := committed(eng)
		lineTotal = lineTotal.Add(amt)
		bySub[eng.SubBudgetLineID] = bySub[eng.SubBudgetLineID].Add(amt)
	}

	var res Result
	for _, s := range subLines {
		if s.BudgetLineID != lineID {
			continue
		}
		engaged := bySub[s.ID]
		available := s.NotifiedAmount.Sub(engaged)
		if s.EngagedAmount.Equal(engaged) && s.AvailableAmount.Equal(available) {
			continue
		}
		s.EngagedAmount = engaged
		s.AvailableAmount = available
		if err := e.subLines.Update(ctx, s); err != nil {
			return res, fmt.Errorf("update sub-budget-line: %w", err)
		}
		res.SubLines++
	}

	line, err := e.lines.Get(ctx, lineID)
	if errors.Is(err, core.ErrNotFound) {
		e.logger.WarnContext(ctx, "Budget line missing, skipping rollup", log.FieldBudgetLine, lineID)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load budget line: %w", err)
	}
	available := line.NotifiedAmount.Sub(lineTotal)
	if !line.EngagedAmount.Equal(lineTotal) || !line.AvailableAmount.Equal(available) {
		line.EngagedAmount = lineTotal
		line.AvailableAmount = available
		if err := e.lines.Update(ctx, line); err != nil {
			return res, fmt.Errorf("update budget line: %w", err)
		}
		res.Lines++
	}
	return res, nil
}

// RecomputePlannedAll runs the bottom-up planned pass: sub-lines into
// budget lines, then budget lines into grants.
func (e *Engine) RecomputePlannedAll(ctx context.Context) (Result, error) {
	res, _, err := e.recomputePlanned(ctx)
	return res, err
}

// recomputePlanned also returns the ids of the budget lines it rewrote.
func (e *Engine) recomputePlanned(ctx context.Context) (Result, map[string]bool, error) {
	var res Result
	touched := make(map[string]bool)
	lines, err := e.lines.GetAll(ctx)
	if err != nil {
		return res, touched, fmt.Errorf("list budget lines: %w", err)
	}
	subLines, err := e.subLines.GetAll(ctx)
	if err != nil {
		return res, touched, fmt.Errorf("list sub-budget-lines: %w", err)
	}

	changedLines := RecomputePlanned(lines, subLines)
	for _, l := range changedLines {
		unlock := e.LockLine(l.ID)
		current, err := e.lines.Get(ctx, l.ID)
		if err == nil {
			current.PlannedAmount = l.PlannedAmount
			err = e.lines.Update(ctx, current)
		}
		unlock()
		if err != nil {
			return res, touched, fmt.Errorf("update budget line planned amount: %w", err)
		}
		touched[l.ID] = true
		res.Lines++
	}

	grants, err := e.grants.GetAll(ctx)
	if err != nil {
		return res, touched, fmt.Errorf("list grants: %w", err)
	}
	for _, g := range RecomputeGrantPlanned(grants, merge(lines, changedLines)) {
		unlock := e.LockGrant(g.ID)
		current, err := e.grants.Get(ctx, g.ID)
		if err == nil {
			current.PlannedAmount = g.PlannedAmount
			err = e.grants.Update(ctx, current)
		}
		unlock()
		if err != nil {
			return res, touched, fmt.Errorf("update grant planned amount: %w", err)
		}
		res.Grants++
	}

	if res.Lines+res.Grants > 0 {
		e.logger.InfoContext(ctx, "Planned amounts recomputed",
			log.FieldOperation, log.OpRecompute, "lines", res.Lines, "grants", res.Grants)
	}
	return res, touched, nil
}

// Reconcile runs both full passes. A line rewritten by both passes is
// counted once.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	engaged, lines, err := e.recomputeEngaged(ctx)
	if err != nil {
		return engaged, err
	}
	planned, plannedLines, err := e.recomputePlanned(ctx)
	for id := range plannedLines {
		lines[id] = true
	}
	return Result{SubLines: engaged.SubLines, Lines: len(lines), Grants: planned.Grants}, err
}

// DeleteBudgetLine deletes a budget line together with its sub-lines and
// returns how many sub-lines were removed.
func (e *Engine) DeleteBudgetLine(ctx context.Context, lineID string) (int, error) {
	unlock := e.LockLine(lineID)
	subLines, err := e.subLines.GetAll(ctx)
	if err != nil {
		unlock()
		return 0, fmt.Errorf("list sub-budget-lines: %w", err)
	}
	removed := 0
	for _, s := range subLines {
		if s.BudgetLineID != lineID {
			continue
		}
		if err := e.subLines.Delete(ctx, s.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			unlock()
			return removed, fmt.Errorf("delete sub-budget-line %s: %w", s.ID, err)
		}
		removed++
	}
	err = e.lines.Delete(ctx, lineID)
	unlock()
	if err != nil {
		return removed, fmt.Errorf("delete budget line: %w", err)
	}

	e.logger.InfoContext(ctx, "Budget line deleted",
		log.FieldBudgetLine, lineID, "sub_lines_removed", removed)

	if _, err := e.RecomputePlannedAll(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}
