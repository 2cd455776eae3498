package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"budgetbase/internal/core"
)

// Seed is the content of a seed file. Field names follow the JSON names of
// the records, so a seed file reads like the API payloads.
type Seed struct {
	Grants         []core.Grant         `json:"grants"`
	BudgetLines    []core.BudgetLine    `json:"budgetLines"`
	SubBudgetLines []core.SubBudgetLine `json:"subBudgetLines"`
	Engagements    []core.Engagement    `json:"engagements"`
	Payments       []core.Payment       `json:"payments"`
	Prefinancings  []core.Prefinancing  `json:"prefinancings"`
	EmployeeLoans  []core.EmployeeLoan  `json:"employeeLoans"`
	BankAccounts   []core.BankAccount   `json:"bankAccounts"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML through JSON so the records' JSON tags and text
// unmarshalers (dates, decimals) apply.
func ParseSeed(data []byte) (*Seed, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// Apply creates every seeded record in s.
func (seed *Seed) Apply(ctx context.Context, s *Store) error {
	if err := createAll(ctx, s.Grants, seed.Grants); err != nil {
		return err
	}
	if err := createAll(ctx, s.BudgetLines, seed.BudgetLines); err != nil {
		return err
	}
	if err := createAll(ctx, s.SubBudgetLines, seed.SubBudgetLines); err != nil {
		return err
	}
	if err := createAll(ctx, s.Engagements, seed.Engagements); err != nil {
		return err
	}
	if err := createAll(ctx, s.Payments, seed.Payments); err != nil {
		return err
	}
	if err := createAll(ctx, s.Prefinancings, seed.Prefinancings); err != nil {
		return err
	}
	if err := createAll(ctx, s.EmployeeLoans, seed.EmployeeLoans); err != nil {
		return err
	}
	return createAll(ctx, s.BankAccounts, seed.BankAccounts)
}

func createAll[T any](ctx context.Context, repo Repository[T], items []T) error {
	for _, item := range items {
		if _, err := repo.Create(ctx, item); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}
