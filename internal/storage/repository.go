// Package storage provides the generic record store used by the services:
// an in-memory implementation and a SQL one (SQLite or PostgreSQL) keeping
// each record as a JSON document.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrDuplicate is returned when creating a record whose id already exists.
var ErrDuplicate = errors.New("record already exists")

// Record is the pointer constraint satisfied by every stored domain type.
type Record[T any] interface {
	*T
	GetID() string
	SetID(string)
	GrantRef() string
}

// Repository is the CRUD collaborator for one record kind. Get, Update and
// Delete return an error wrapping core.ErrNotFound for unknown ids.
type Repository[T any] interface {
	GetAll(ctx context.Context) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, item T) (T, error)
	Update(ctx context.Context, item T) error
	Delete(ctx context.Context, id string) error
}

// SettingsStore is the remote key-value store for user settings.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

var newID = uuid.NewString

func ensureID[T any, P Record[T]](item *T) string {
	p := P(item)
	if p.GetID() == "" {
		p.SetID(newID())
	}
	return p.GetID()
}
