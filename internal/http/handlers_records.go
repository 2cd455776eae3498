package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"budgetbase/internal/approval"
	"budgetbase/internal/core"
	"budgetbase/internal/ledger"
	"budgetbase/internal/log"
)

type recordsResponse struct {
	Grants         []core.Grant         `json:"grants"`
	BudgetLines    []core.BudgetLine    `json:"budgetLines"`
	SubBudgetLines []core.SubBudgetLine `json:"subBudgetLines"`
	BankAccounts   []core.BankAccount   `json:"bankAccounts"`
	Engagements    []core.Engagement    `json:"engagements"`
	Payments       []core.Payment       `json:"payments"`
	Prefinancings  []core.Prefinancing  `json:"prefinancings"`
	EmployeeLoans  []core.EmployeeLoan  `json:"employeeLoans"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	v, err := s.budget.Load(r.Context())
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{
		Grants:         v.Grants,
		BudgetLines:    v.BudgetLines,
		SubBudgetLines: v.SubBudgetLines,
		BankAccounts:   v.BankAccounts,
		Engagements:    v.Engagements,
		Payments:       v.Payments,
		Prefinancings:  v.Prefinancings,
		EmployeeLoans:  v.EmployeeLoans,
	})
}

func (s *Server) handleCreateEngagement(w http.ResponseWriter, r *http.Request) {
	var e core.Engagement
	if err := readJSON(w, r, &e); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	e.ID = ""
	created, err := s.budget.CreateEngagement(r.Context(), e)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateEngagement(w http.ResponseWriter, r *http.Request) {
	var e core.Engagement
	if err := readJSON(w, r, &e); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	e.ID = chi.URLParam(r, "id")
	reset, _ := strconv.ParseBool(r.URL.Query().Get("resetApprovals"))

	updated, err := s.budget.UpdateEngagement(r.Context(), e, reset)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEngagement(w http.ResponseWriter, r *http.Request) {
	if err := s.budget.DeleteEngagement(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var p core.Payment
	if err := readJSON(w, r, &p); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	p.ID = ""
	created, err := s.budget.CreatePayment(r.Context(), p)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCreatePrefinancing(w http.ResponseWriter, r *http.Request) {
	var p core.Prefinancing
	if err := readJSON(w, r, &p); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	p.ID = ""
	created, err := s.budget.CreatePrefinancing(r.Context(), p)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCreateEmployeeLoan(w http.ResponseWriter, r *http.Request) {
	var l core.EmployeeLoan
	if err := readJSON(w, r, &l); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	l.ID = ""
	created, err := s.budget.CreateEmployeeLoan(r.Context(), l)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type signRequest struct {
	Observation string `json:"observation"`
}

type signResponse struct {
	Kind core.Kind     `json:"kind"`
	ID   string        `json:"id"`
	Slot approval.Slot `json:"slot"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, r, log.OpSign, err)
			return
		}
	}
	kind := recordKind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")

	slot, err := s.budget.Sign(r.Context(), kind, id, sanitizeInput(req.Observation))
	if err != nil {
		writeError(w, r, log.OpSign, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Kind: kind, ID: id, Slot: slot})
}

type repaymentRequest struct {
	Date      string `json:"date"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) handleAddRepayment(w http.ResponseWriter, r *http.Request) {
	var req repaymentRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, log.OpRepay, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, r, log.OpRepay, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		writeError(w, r, log.OpRepay, err)
		return
	}

	rep, err := s.budget.AddRepayment(r.Context(), recordKind(chi.URLParam(r, "kind")), chi.URLParam(r, "id"), ledger.RepaymentInput{
		Date:      date,
		Amount:    amount,
		Reference: sanitizeInput(req.Reference),
	})
	if err != nil {
		writeError(w, r, log.OpRepay, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}
