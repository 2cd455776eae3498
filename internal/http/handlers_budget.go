package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"budgetbase/internal/core"
	"budgetbase/internal/log"
)

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var g core.Grant
	if err := readJSON(w, r, &g); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	created, err := s.budget.CreateGrant(r.Context(), g)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type bankTransactionRequest struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Label  string `json:"label"`
	Date   string `json:"date"`
}

func (s *Server) handleBankTransaction(w http.ResponseWriter, r *http.Request) {
	var req bankTransactionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "credit":
	case "debit":
		amount = amount.Neg()
	default:
		writeError(w, r, log.OpUpdate, &core.ValidationError{Field: "type", Message: "must be credit or debit"})
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}

	acct, err := s.budget.RecordBankTransaction(r.Context(), chi.URLParam(r, "id"), amount, sanitizeInput(req.Label), date)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleUpdateBankAccount(w http.ResponseWriter, r *http.Request) {
	var details core.GrantBankAccount
	if err := readJSON(w, r, &details); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	acct, err := s.budget.UpdateGrantBankAccount(r.Context(), chi.URLParam(r, "id"), details)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleSaveBudgetLine serves both POST (create) and PUT (update).
func (s *Server) handleSaveBudgetLine(w http.ResponseWriter, r *http.Request) {
	var l core.BudgetLine
	if err := readJSON(w, r, &l); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	l.ID = chi.URLParam(r, "id")
	status := http.StatusOK
	if l.ID == "" {
		status = http.StatusCreated
	}

	saved, err := s.budget.SaveBudgetLine(r.Context(), l)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteBudgetLine(w http.ResponseWriter, r *http.Request) {
	removed, err := s.budget.DeleteBudgetLine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removedSubBudgetLines": removed})
}

func (s *Server) handleSaveSubBudgetLine(w http.ResponseWriter, r *http.Request) {
	var sl core.SubBudgetLine
	if err := readJSON(w, r, &sl); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	sl.ID = chi.URLParam(r, "id")
	status := http.StatusOK
	if sl.ID == "" {
		status = http.StatusCreated
	}

	saved, err := s.budget.SaveSubBudgetLine(r.Context(), sl)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteSubBudgetLine(w http.ResponseWriter, r *http.Request) {
	if err := s.budget.DeleteSubBudgetLine(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconcileResponse struct {
	SubBudgetLines int `json:"subBudgetLines"`
	BudgetLines    int `json:"budgetLines"`
	Grants         int `json:"grants"`
	BankSnapshots  int `json:"bankSnapshots"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.budget.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, log.OpRecompute, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		SubBudgetLines: res.SubLines,
		BudgetLines:    res.Lines,
		Grants:         res.Grants,
		BankSnapshots:  res.Snapshots,
	})
}
