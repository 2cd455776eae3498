package rollup

import (
	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
)

// RecomputePlanned sets every budget line's planned amount to the sum of its
// sub-lines' planned amounts. It returns only the lines whose value changed,
// so running it twice in a row yields nothing the second time.
func RecomputePlanned(lines []core.BudgetLine, subLines []core.SubBudgetLine) []core.BudgetLine {
	sums := make(map[string]decimal.Decimal, len(lines))
	for _, s := range subLines {
		sums[s.BudgetLineID] = sums[s.BudgetLineID].Add(s.PlannedAmount)
	}
	changed := make([]core.BudgetLine, 0)
	for _, l := range lines {
		want := sums[l.ID]
		if !l.PlannedAmount.Equal(want) {
			l.PlannedAmount = want
			changed = append(changed, l)
		}
	}
	return changed
}

// RecomputeGrantPlanned is RecomputePlanned one level up: grant planned
// amount is the sum of its budget lines' planned amounts.
func RecomputeGrantPlanned(grants []core.Grant, lines []core.BudgetLine) []core.Grant {
	sums := make(map[string]decimal.Decimal, len(grants))
	for _, l := range lines {
		sums[l.GrantID] = sums[l.GrantID].Add(l.PlannedAmount)
	}
	changed := make([]core.Grant, 0)
	for _, g := range grants {
		want := sums[g.ID]
		if !g.PlannedAmount.Equal(want) {
			g.PlannedAmount = want
			changed = append(changed, g)
		}
	}
	return changed
}

// merge replaces lines by id with their changed versions.
func merge(lines []core.BudgetLine, changed []core.BudgetLine) []core.BudgetLine {
	byID := make(map[string]core.BudgetLine, len(changed))
	for _, c := range changed {
		byID[c.ID] = c
	}
	out := make([]core.BudgetLine, len(lines))
	for i, l := range lines {
		if c, ok := byID[l.ID]; ok {
			l = c
		}
		out[i] = l
	}
	return out
}
