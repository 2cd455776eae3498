package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"budgetbase/internal/cache"
	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/selection"
	"budgetbase/internal/storage"
)

// SelectionService keeps one selection.Manager per user.
type SelectionService struct {
	grants   storage.Repository[core.Grant]
	remote   selection.SettingsStore
	local    selection.LocalCache
	identity identity.Provider
	debounce time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	managers map[string]*selection.Manager
}

// NewSelectionService builds the service. A nil local cache is replaced by
// an in-memory LRU without expiry.
func NewSelectionService(store *storage.Store, local selection.LocalCache, provider identity.Provider, debounce time.Duration, logger *log.Logger) *SelectionService {
	if logger == nil {
		logger = log.Discard()
	}
	if local == nil {
		local = cache.NewLRUCache[string](256, 0)
	}
	return &SelectionService{
		grants:   store.Grants,
		remote:   store.Settings,
		local:    local,
		identity: provider,
		debounce: debounce,
		logger:   logger.WithComponent(log.ComponentSelection),
		managers: make(map[string]*selection.Manager),
	}
}

func (s *SelectionService) manager(ctx context.Context) (*selection.Manager, error) {
	if s.identity == nil {
		return nil, identity.ErrNoProfile
	}
	p, err := s.identity.Profile(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[p.UserID]
	if !ok {
		m = selection.NewManager(p.UserID, s.remote, s.local, s.debounce, s.logger)
		s.managers[p.UserID] = m
	}
	return m, nil
}

func (s *SelectionService) grantIDs(ctx context.Context) ([]string, error) {
	grants, err := s.grants.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// Reload resolves the current user's active grant against the stored grants.
func (s *SelectionService) Reload(ctx context.Context) (string, error) {
	m, err := s.manager(ctx)
	if err != nil {
		return "", err
	}
	ids, err := s.grantIDs(ctx)
	if err != nil {
		return "", err
	}
	return m.Load(ctx, ids)
}

// Active returns the current user's active grant, loading it on first use.
func (s *SelectionService) Active(ctx context.Context) (string, error) {
	m, err := s.manager(ctx)
	if err != nil {
		return "", err
	}
	if m.State() == selection.StateUninitialized {
		return s.Reload(ctx)
	}
	return m.Selected(), nil
}

// Select makes grantID the current user's active grant.
func (s *SelectionService) Select(ctx context.Context, grantID string) error {
	m, err := s.manager(ctx)
	if err != nil {
		return err
	}
	if m.State() == selection.StateUninitialized {
		if _, err := s.Reload(ctx); err != nil {
			return err
		}
	}
	return m.Select(ctx, grantID)
}

// Close stops every pending confirmation write.
func (s *SelectionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.managers {
		m.Close()
	}
}
