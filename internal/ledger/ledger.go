// Package ledger tracks repayments against prefinancings and employee loans.
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
)

// ErrOverRepayment is returned when a repayment would take the repaid total
// above the principal.
var ErrOverRepayment = &core.ValidationError{Field: "amount", Message: "repayment exceeds remaining balance"}

// Repayable is implemented by records with a repayment schedule.
type Repayable interface {
	Principal() decimal.Decimal
	RepaymentRows() []core.Repayment
	SetRepaymentRows([]core.Repayment)
	MarkRepaid()
}

type RepaymentInput struct {
	Date      core.Date       `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

var newID = uuid.NewString

// TotalRepaid sums every repayment row.
func TotalRepaid(r Repayable) decimal.Decimal {
	total := decimal.Zero
	for _, row := range r.RepaymentRows() {
		total = total.Add(row.Amount)
	}
	return total
}

// Remaining is the principal not yet repaid. It is never negative.
func Remaining(r Repayable) decimal.Decimal {
	rem := r.Principal().Sub(TotalRepaid(r))
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Progress is the repaid share of the principal, between 0 and 1.
func Progress(r Repayable) decimal.Decimal {
	p := r.Principal()
	if !p.IsPositive() {
		return decimal.Zero
	}
	ratio := TotalRepaid(r).Div(p)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return ratio
}

// AddRepayment appends a row and moves r to its terminal status once the
// principal is covered. Otherwise the status is left as it was. On error r
// is not modified.
func AddRepayment(r Repayable, in RepaymentInput) (core.Repayment, error) {
	if !in.Amount.IsPositive() {
		return core.Repayment{}, &core.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if err := in.Date.Validate(); err != nil {
		return core.Repayment{}, &core.ValidationError{Field: "date", Message: err.Error()}
	}
	if in.Amount.GreaterThan(Remaining(r)) {
		return core.Repayment{}, fmt.Errorf("%w: remaining %s, got %s", ErrOverRepayment, Remaining(r), in.Amount)
	}

	row := core.Repayment{
		ID:        newID(),
		Date:      in.Date,
		Amount:    in.Amount,
		Reference: strings.TrimSpace(in.Reference),
	}
	current := r.RepaymentRows()
	rows := make([]core.Repayment, 0, len(current)+1)
	rows = append(rows, current...)
	rows = append(rows, row)
	r.SetRepaymentRows(rows)

	if TotalRepaid(r).GreaterThanOrEqual(r.Principal()) {
		r.MarkRepaid()
	}
	return row, nil
}

// IsOverRepayment reports whether err came from an over-repayment.
func IsOverRepayment(err error) bool {
	return errors.Is(err, ErrOverRepayment)
}
