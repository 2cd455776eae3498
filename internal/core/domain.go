package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a record collection in the store.
type Kind string

const (
	KindGrant         Kind = "grants"
	KindBudgetLine    Kind = "budget_lines"
	KindSubBudgetLine Kind = "sub_budget_lines"
	KindEngagement    Kind = "engagements"
	KindPayment       Kind = "payments"
	KindPrefinancing  Kind = "prefinancings"
	KindEmployeeLoan  Kind = "employee_loans"
	KindBankAccount   Kind = "bank_accounts"
)

// Valid reports whether k is a known collection.
func (k Kind) Valid() bool {
	switch k {
	case KindGrant, KindBudgetLine, KindSubBudgetLine, KindEngagement,
		KindPayment, KindPrefinancing, KindEmployeeLoan, KindBankAccount:
		return true
	}
	return false
}

type (
	EngagementStatus   string
	PaymentStatus      string
	PrefinancingStatus string
	LoanStatus         string
)

const (
	EngagementPending  EngagementStatus = "pending"
	EngagementApproved EngagementStatus = "approved"
	EngagementRejected EngagementStatus = "rejected"
	EngagementPaid     EngagementStatus = "paid"

	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"

	PrefinancingDraft    PrefinancingStatus = "draft"
	PrefinancingActive   PrefinancingStatus = "active"
	PrefinancingApproved PrefinancingStatus = "approved"
	PrefinancingRepaid   PrefinancingStatus = "repaid"

	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
)

type (
	// Signature is a finalized approval slot. A slot that has not been
	// reached is represented by a nil *Signature, never by Signed == false.
	Signature struct {
		Name        string `json:"name"`
		Date        Date   `json:"date"`
		Signed      bool   `json:"signature"`
		Observation string `json:"observation,omitempty"`
	}

	Approvals struct {
		Supervisor1   *Signature `json:"supervisor1,omitempty"`
		Supervisor2   *Signature `json:"supervisor2,omitempty"`
		FinalApproval *Signature `json:"finalApproval,omitempty"`
	}

	// GrantBankAccount is the denormalized account snapshot carried by a
	// grant. It mirrors the BankAccount stored under GrantAccountID.
	GrantBankAccount struct {
		Name           string          `json:"name"`
		AccountNumber  string          `json:"accountNumber"`
		BankName       string          `json:"bankName"`
		Balance        decimal.Decimal `json:"balance"`
		LastUpdateDate Date            `json:"lastUpdateDate"`
	}

	Grant struct {
		ID            string            `json:"id"`
		Name          string            `json:"name"`
		Reference     string            `json:"reference"`
		GrantingOrg   string            `json:"grantingOrganization,omitempty"`
		TotalAmount   decimal.Decimal   `json:"totalAmount"`
		Currency      string            `json:"currency"`
		StartDate     Date              `json:"startDate"`
		EndDate       Date              `json:"endDate"`
		Status        string            `json:"status,omitempty"`
		PlannedAmount decimal.Decimal   `json:"plannedAmount"`
		BankAccount   *GrantBankAccount `json:"bankAccount,omitempty"`
	}

	BudgetLine struct {
		ID              string          `json:"id"`
		GrantID         string          `json:"grantId"`
		Code            string          `json:"code"`
		Name            string          `json:"name"`
		NotifiedAmount  decimal.Decimal `json:"notifiedAmount"`
		EngagedAmount   decimal.Decimal `json:"engagedAmount"`
		AvailableAmount decimal.Decimal `json:"availableAmount"`
		PlannedAmount   decimal.Decimal `json:"plannedAmount"`
	}

	SubBudgetLine struct {
		ID              string          `json:"id"`
		GrantID         string          `json:"grantId"`
		BudgetLineID    string          `json:"budgetLineId"`
		Code            string          `json:"code"`
		Name            string          `json:"name"`
		NotifiedAmount  decimal.Decimal `json:"notifiedAmount"`
		EngagedAmount   decimal.Decimal `json:"engagedAmount"`
		AvailableAmount decimal.Decimal `json:"availableAmount"`
		PlannedAmount   decimal.Decimal `json:"plannedAmount"`
	}

	// Engagement is a financial commitment against a sub-budget-line.
	Engagement struct {
		ID              string           `json:"id"`
		GrantID         string           `json:"grantId"`
		BudgetLineID    string           `json:"budgetLineId"`
		SubBudgetLineID string           `json:"subBudgetLineId"`
		Reference       string           `json:"engagementNumber"`
		Description     string           `json:"description"`
		Supplier        string           `json:"supplier,omitempty"`
		Amount          decimal.Decimal  `json:"amount"`
		Date            Date             `json:"date"`
		Status          EngagementStatus `json:"status"`
		Approvals       Approvals        `json:"approvals"`
	}

	Payment struct {
		ID           string          `json:"id"`
		GrantID      string          `json:"grantId"`
		EngagementID string          `json:"engagementId"`
		Reference    string          `json:"paymentNumber"`
		Beneficiary  string          `json:"beneficiary"`
		Method       string          `json:"method,omitempty"`
		Amount       decimal.Decimal `json:"amount"`
		Date         Date            `json:"date"`
		Status       PaymentStatus   `json:"status"`
		Approvals    Approvals       `json:"approvals"`
	}

	Repayment struct {
		ID        string          `json:"id"`
		Date      Date            `json:"date"`
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference,omitempty"`
	}

	Prefinancing struct {
		ID                    string             `json:"id"`
		GrantID               string             `json:"grantId"`
		Reference             string             `json:"prefinancingNumber"`
		Beneficiary           string             `json:"beneficiary"`
		Purpose               string             `json:"purpose"`
		Amount                decimal.Decimal    `json:"amount"`
		Date                  Date               `json:"date"`
		ExpectedRepaymentDate Date               `json:"expectedRepaymentDate"`
		Status                PrefinancingStatus `json:"status"`
		Repayments            []Repayment        `json:"repayments"`
		Approvals             Approvals          `json:"approvals"`
	}

	EmployeeLoan struct {
		ID           string          `json:"id"`
		GrantID      string          `json:"grantId"`
		Reference    string          `json:"loanNumber"`
		EmployeeName string          `json:"employeeName"`
		Amount       decimal.Decimal `json:"amount"`
		Installments int             `json:"installments"`
		Date         Date            `json:"date"`
		Status       LoanStatus      `json:"status"`
		Repayments   []Repayment     `json:"repayments"`
		Approvals    Approvals       `json:"approvals"`
	}

	BankTransaction struct {
		ID           string          `json:"id"`
		Date         Date            `json:"date"`
		Label        string          `json:"label"`
		Amount       decimal.Decimal `json:"amount"` // signed: credit > 0, debit < 0
		BalanceAfter decimal.Decimal `json:"balanceAfter"`
	}

	BankAccount struct {
		ID             string            `json:"id"`
		GrantID        string            `json:"grantId"`
		Name           string            `json:"name"`
		AccountNumber  string            `json:"accountNumber"`
		BankName       string            `json:"bankName"`
		Balance        decimal.Decimal   `json:"balance"`
		LastUpdateDate Date              `json:"lastUpdateDate"`
		Transactions   []BankTransaction `json:"transactions"`
	}

	// RecordEvent describes a confirmed write to a collection.
	RecordEvent struct {
		Kind    Kind      `json:"kind"`
		ID      string    `json:"id"`
		GrantID string    `json:"grantId,omitempty"`
		Op      string    `json:"op"`
		At      time.Time `json:"at"`
	}
)

// GrantAccountID is the id of the BankAccount mirrored by a grant's snapshot.
func GrantAccountID(grantID string) string {
	return "grant-" + grantID
}

// IsSigned reports whether the slot has been finalized.
func (s *Signature) IsSigned() bool {
	return s != nil && s.Signed
}

// Record identity, used by the generic store.

func (g *Grant) GetID() string            { return g.ID }
func (g *Grant) SetID(id string)          { g.ID = id }
func (g *Grant) GrantRef() string         { return g.ID }
func (b *BudgetLine) GetID() string       { return b.ID }
func (b *BudgetLine) SetID(id string)     { b.ID = id }
func (b *BudgetLine) GrantRef() string    { return b.GrantID }
func (s *SubBudgetLine) GetID() string    { return s.ID }
func (s *SubBudgetLine) SetID(id string)  { s.ID = id }
func (s *SubBudgetLine) GrantRef() string { return s.GrantID }
func (a *BankAccount) GetID() string      { return a.ID }
func (a *BankAccount) SetID(id string)    { a.ID = id }
func (a *BankAccount) GrantRef() string   { return a.GrantID }

func (e *Engagement) GetID() string   { return e.ID }
func (e *Engagement) SetID(id string) { e.ID = id }

// GrantRef and GetApprovals use value receivers so that plain slices of
// records can be filtered without taking addresses.
func (e Engagement) GrantRef() string          { return e.GrantID }
func (e Engagement) GetApprovals() Approvals   { return e.Approvals }
func (e *Engagement) SetApprovals(a Approvals) { e.Approvals = a }

// Commits reports whether the engagement counts toward engaged amounts.
func (e Engagement) Commits() bool { return e.Status != EngagementRejected }

func (p *Payment) GetID() string            { return p.ID }
func (p *Payment) SetID(id string)          { p.ID = id }
func (p Payment) GrantRef() string          { return p.GrantID }
func (p Payment) GetApprovals() Approvals   { return p.Approvals }
func (p *Payment) SetApprovals(a Approvals) { p.Approvals = a }

func (p *Prefinancing) GetID() string                  { return p.ID }
func (p *Prefinancing) SetID(id string)                { p.ID = id }
func (p Prefinancing) GrantRef() string                { return p.GrantID }
func (p Prefinancing) GetApprovals() Approvals         { return p.Approvals }
func (p *Prefinancing) SetApprovals(a Approvals)       { p.Approvals = a }
func (p *Prefinancing) Principal() decimal.Decimal     { return p.Amount }
func (p *Prefinancing) RepaymentRows() []Repayment     { return p.Repayments }
func (p *Prefinancing) SetRepaymentRows(r []Repayment) { p.Repayments = r }
func (p *Prefinancing) MarkRepaid()                    { p.Status = PrefinancingRepaid }

func (l *EmployeeLoan) GetID() string                  { return l.ID }
func (l *EmployeeLoan) SetID(id string)                { l.ID = id }
func (l EmployeeLoan) GrantRef() string                { return l.GrantID }
func (l EmployeeLoan) GetApprovals() Approvals         { return l.Approvals }
func (l *EmployeeLoan) SetApprovals(a Approvals)       { l.Approvals = a }
func (l *EmployeeLoan) Principal() decimal.Decimal     { return l.Amount }
func (l *EmployeeLoan) RepaymentRows() []Repayment     { return l.Repayments }
func (l *EmployeeLoan) SetRepaymentRows(r []Repayment) { l.Repayments = r }
func (l *EmployeeLoan) MarkRepaid()                    { l.Status = LoanCompleted }

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// ValidationError reports a missing or invalid field before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}

func positive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	return nil
}

func (g Grant) Validate() error {
	if err := required("name", g.Name); err != nil {
		return err
	}
	if err := positive("totalAmount", g.TotalAmount); err != nil {
		return err
	}
	if err := required("currency", g.Currency); err != nil {
		return err
	}
	if !g.StartDate.IsEmpty() && !g.EndDate.IsEmpty() && g.EndDate.Before(g.StartDate.Time) {
		return invalid("endDate", "must not be before start date")
	}
	return nil
}

func (b BudgetLine) Validate() error {
	if err := required("grantId", b.GrantID); err != nil {
		return err
	}
	if err := required("name", b.Name); err != nil {
		return err
	}
	if b.NotifiedAmount.IsNegative() {
		return invalid("notifiedAmount", "must not be negative")
	}
	return nil
}

func (s SubBudgetLine) Validate() error {
	if err := required("grantId", s.GrantID); err != nil {
		return err
	}
	if err := required("budgetLineId", s.BudgetLineID); err != nil {
		return err
	}
	if err := required("name", s.Name); err != nil {
		return err
	}
	if s.NotifiedAmount.IsNegative() {
		return invalid("notifiedAmount", "must not be negative")
	}
	return nil
}

func (e Engagement) Validate() error {
	if err := required("grantId", e.GrantID); err != nil {
		return err
	}
	if err := required("budgetLineId", e.BudgetLineID); err != nil {
		return err
	}
	if err := required("subBudgetLineId", e.SubBudgetLineID); err != nil {
		return err
	}
	if err := positive("amount", e.Amount); err != nil {
		return err
	}
	if err := e.Date.Validate(); err != nil {
		return invalid("date", err.Error())
	}
	switch e.Status {
	case "", EngagementPending, EngagementApproved, EngagementRejected, EngagementPaid:
	default:
		return invalid("status", fmt.Sprintf("unknown status %q", e.Status))
	}
	return nil
}

func (p Payment) Validate() error {
	if err := required("grantId", p.GrantID); err != nil {
		return err
	}
	if err := required("engagementId", p.EngagementID); err != nil {
		return err
	}
	if err := required("beneficiary", p.Beneficiary); err != nil {
		return err
	}
	if err := positive("amount", p.Amount); err != nil {
		return err
	}
	if err := p.Date.Validate(); err != nil {
		return invalid("date", err.Error())
	}
	return nil
}

func (p Prefinancing) Validate() error {
	if err := required("grantId", p.GrantID); err != nil {
		return err
	}
	if err := required("beneficiary", p.Beneficiary); err != nil {
		return err
	}
	if err := positive("amount", p.Amount); err != nil {
		return err
	}
	if err := p.Date.Validate(); err != nil {
		return invalid("date", err.Error())
	}
	return nil
}

func (l EmployeeLoan) Validate() error {
	if err := required("grantId", l.GrantID); err != nil {
		return err
	}
	if err := required("employeeName", l.EmployeeName); err != nil {
		return err
	}
	if err := positive("amount", l.Amount); err != nil {
		return err
	}
	if l.Installments < 1 {
		return invalid("installments", "must be at least 1")
	}
	if err := l.Date.Validate(); err != nil {
		return invalid("date", err.Error())
	}
	return nil
}
