package storage

import (
	"budgetbase/internal/core"
)

// Store bundles one repository per record kind plus the settings store.
type Store struct {
	Grants         Repository[core.Grant]
	BudgetLines    Repository[core.BudgetLine]
	SubBudgetLines Repository[core.SubBudgetLine]
	Engagements    Repository[core.Engagement]
	Payments       Repository[core.Payment]
	Prefinancings  Repository[core.Prefinancing]
	EmployeeLoans  Repository[core.EmployeeLoan]
	BankAccounts   Repository[core.BankAccount]
	Settings       SettingsStore
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *Store {
	return &Store{
		Grants:         NewMemoryRepository[core.Grant](core.KindGrant),
		BudgetLines:    NewMemoryRepository[core.BudgetLine](core.KindBudgetLine),
		SubBudgetLines: NewMemoryRepository[core.SubBudgetLine](core.KindSubBudgetLine),
		Engagements:    NewMemoryRepository[core.Engagement](core.KindEngagement),
		Payments:       NewMemoryRepository[core.Payment](core.KindPayment),
		Prefinancings:  NewMemoryRepository[core.Prefinancing](core.KindPrefinancing),
		EmployeeLoans:  NewMemoryRepository[core.EmployeeLoan](core.KindEmployeeLoan),
		BankAccounts:   NewMemoryRepository[core.BankAccount](core.KindBankAccount),
		Settings:       NewMemorySettings(),
	}
}

// NewSQLStore returns a store over a migrated database.
func NewSQLStore(db *DB) *Store {
	return &Store{
		Grants:         NewSQLRepository[core.Grant](db, core.KindGrant),
		BudgetLines:    NewSQLRepository[core.BudgetLine](db, core.KindBudgetLine),
		SubBudgetLines: NewSQLRepository[core.SubBudgetLine](db, core.KindSubBudgetLine),
		Engagements:    NewSQLRepository[core.Engagement](db, core.KindEngagement),
		Payments:       NewSQLRepository[core.Payment](db, core.KindPayment),
		Prefinancings:  NewSQLRepository[core.Prefinancing](db, core.KindPrefinancing),
		EmployeeLoans:  NewSQLRepository[core.EmployeeLoan](db, core.KindEmployeeLoan),
		BankAccounts:   NewSQLRepository[core.BankAccount](db, core.KindBankAccount),
		Settings:       NewSQLSettings(db),
	}
}
