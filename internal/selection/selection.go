// Package selection resolves and persists the active grant of a user.
//
// A Manager moves through Uninitialized -> Loading -> Ready, and between
// Ready and Saving while a write is in flight. Loading never writes; the
// debounced confirmation write only runs from Ready.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"budgetbase/internal/core"
	"budgetbase/internal/log"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateSaving
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	}
	return "unknown"
}

var (
	ErrNotReady = errors.New("grant selection is not loaded")
	ErrBusy     = errors.New("grant selection is being loaded or saved")
)

// SettingsStore is the remote key-value store.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// LocalCache is the synchronous local fallback.
type LocalCache interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Key returns the settings key holding a user's active grant.
func Key(userID string) string {
	return "active_grant_id:" + userID
}

// DefaultDebounce is the delay before the confirmation write.
const DefaultDebounce = time.Second

const confirmTimeout = 10 * time.Second

type Manager struct {
	mu       sync.Mutex
	state    State
	key      string
	selected string
	known    map[string]struct{}
	remote   SettingsStore
	local    LocalCache
	debounce time.Duration
	saves    int
	timer    *time.Timer
	closed   bool
	logger   *log.Logger
}

func NewManager(userID string, remote SettingsStore, local LocalCache, debounce time.Duration, logger *log.Logger) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{
		key:      Key(userID),
		remote:   remote,
		local:    local,
		debounce: debounce,
		known:    make(map[string]struct{}),
		logger:   logger.WithComponent(log.ComponentSelection).With(log.FieldUserID, userID),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Selected returns the active grant id, empty when none is resolved.
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Load resolves the active grant against the freshly loaded grant ids:
// remote value first, then the local cache, then the first grant. An id that
// no longer exists is discarded. Nothing is written.
func (m *Manager) Load(ctx context.Context, grantIDs []string) (string, error) {
	m.mu.Lock()
	switch m.state {
	case StateLoading, StateSaving:
		m.mu.Unlock()
		return "", ErrBusy
	}
	m.state = StateLoading
	m.known = make(map[string]struct{}, len(grantIDs))
	for _, id := range grantIDs {
		m.known[id] = struct{}{}
	}
	m.mu.Unlock()

	resolved, source := m.resolve(ctx)
	if resolved == "" && len(grantIDs) > 0 {
		resolved, source = grantIDs[0], "default"
	}

	m.mu.Lock()
	m.selected = resolved
	m.state = StateReady
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "Active grant resolved", log.FieldGrantID, resolved, "source", source)
	return resolved, nil
}

func (m *Manager) resolve(ctx context.Context) (string, string) {
	id, ok, err := m.remote.Get(ctx, m.key)
	if err != nil {
		m.logger.WarnContext(ctx, "Remote settings read failed, using local cache", log.FieldError, err)
		ok = false
	}
	source := "remote"
	if !ok || id == "" {
		id, ok = m.local.Get(m.key)
		source = "local"
	}
	if !ok || id == "" {
		return "", ""
	}

	m.mu.Lock()
	_, exists := m.known[id]
	m.mu.Unlock()
	if !exists {
		m.logger.InfoContext(ctx, "Saved grant no longer exists", log.FieldGrantID, id, "source", source)
		return "", ""
	}
	return id, source
}

// Select makes grantID active. The local cache is always written; the remote
// write error, if any, is returned but the selection is kept. A confirmation
// write is scheduled after the debounce delay. Selecting while an earlier
// write is in flight is allowed; the confirmation settles on the latest id.
func (m *Manager) Select(ctx context.Context, grantID string) error {
	m.mu.Lock()
	switch m.state {
	case StateUninitialized, StateLoading:
		m.mu.Unlock()
		return ErrNotReady
	}
	if _, ok := m.known[grantID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("select grant %s: %w", grantID, &core.ValidationError{Field: "grantId", Message: "unknown grant"})
	}
	m.selected = grantID
	m.local.Set(m.key, grantID)
	m.beginSaveLocked()
	m.mu.Unlock()

	err := m.remote.Set(ctx, m.key, grantID)

	m.mu.Lock()
	m.endSaveLocked()
	m.scheduleLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.WarnContext(ctx, "Remote settings write failed", log.FieldGrantID, grantID, log.FieldError, err)
		return fmt.Errorf("save active grant: %w", err)
	}
	m.logger.InfoContext(ctx, "Active grant selected", log.FieldGrantID, grantID, log.FieldOperation, log.OpSelect)
	return nil
}

func (m *Manager) beginSaveLocked() {
	m.saves++
	m.state = StateSaving
}

// endSaveLocked returns to Ready once the last in-flight write finishes.
func (m *Manager) endSaveLocked() {
	if m.saves > 0 {
		m.saves--
	}
	if m.saves == 0 {
		m.state = StateReady
	}
}

func (m *Manager) scheduleLocked() {
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.confirm)
}

// confirm rewrites the current selection. It does nothing unless Ready.
func (m *Manager) confirm() {
	m.mu.Lock()
	if m.state != StateReady || m.closed || m.selected == "" {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("Confirmation write skipped", "state", state.String())
		return
	}
	id := m.selected
	m.beginSaveLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()
	m.local.Set(m.key, id)
	err := m.remote.Set(ctx, m.key, id)

	m.mu.Lock()
	m.endSaveLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Confirmation write failed", log.FieldGrantID, id, log.FieldError, err)
	}
}

// Close cancels a pending confirmation write.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
}
