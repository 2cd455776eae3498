package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"budgetbase/internal/core"
)

// MemoryRepository keeps records as JSON documents so callers never share
// memory with the store. GetAll returns records in insertion order.
type MemoryRepository[T any, P Record[T]] struct {
	kind  core.Kind
	mu    sync.RWMutex
	docs  map[string][]byte
	order []string
}

func NewMemoryRepository[T any, P Record[T]](kind core.Kind) *MemoryRepository[T, P] {
	return &MemoryRepository[T, P]{kind: kind, docs: make(map[string][]byte)}
}

func (r *MemoryRepository[T, P]) decode(b []byte) (T, error) {
	var item T
	if err := json.Unmarshal(b, &item); err != nil {
		return item, fmt.Errorf("decode %s: %w", r.kind, err)
	}
	return item, nil
}

func (r *MemoryRepository[T, P]) GetAll(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		item, err := r.decode(r.docs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *MemoryRepository[T, P]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.docs[id]
	if !ok {
		return zero, fmt.Errorf("get %s %s: %w", r.kind, id, core.ErrNotFound)
	}
	return r.decode(b)
}

func (r *MemoryRepository[T, P]) Create(ctx context.Context, item T) (T, error) {
	if err := ctx.Err(); err != nil {
		return item, err
	}
	id := ensureID[T, P](&item)
	b, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("encode %s: %w", r.kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; ok {
		return item, fmt.Errorf("create %s %s: %w", r.kind, id, ErrDuplicate)
	}
	r.docs[id] = b
	r.order = append(r.order, id)
	return item, nil
}

func (r *MemoryRepository[T, P]) Update(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := P(&item).GetID()
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return fmt.Errorf("update %s %s: %w", r.kind, id, core.ErrNotFound)
	}
	r.docs[id] = b
	return nil
}

func (r *MemoryRepository[T, P]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return fmt.Errorf("delete %s %s: %w", r.kind, id, core.ErrNotFound)
	}
	delete(r.docs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// MemorySettings is a SettingsStore backed by a map.
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]string)}
}

func (s *MemorySettings) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySettings) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}
