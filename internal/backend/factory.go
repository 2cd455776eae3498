package backend

import (
	"context"
	"errors"
	"fmt"

	"budgetbase/internal/log"
	"budgetbase/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLBackend(ctx, storage.DialectSQLite, config.SQLiteDBPath)
	case PostgresBackend:
		result, err = f.createSQLBackend(ctx, storage.DialectPostgres, config.DatabaseURL)
	case MemoryBackend:
		result = f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.RedisURL != "" {
		if err := f.attachRedis(ctx, result, config.RedisURL); err != nil {
			result.close()
			return nil, err
		}
	}

	if config.SeedFile != "" {
		if err := f.seed(ctx, result.Store, config.SeedFile); err != nil {
			result.close()
			return nil, err
		}
	}

	return result, nil
}

func (f *DefaultFactory) createSQLBackend(ctx context.Context, dialect storage.Dialect, dsn string) (*BackendResult, error) {
	var (
		db  *storage.DB
		err error
	)
	if dialect == storage.DialectPostgres {
		db, err = storage.OpenPostgres(ctx, dsn)
	} else {
		db, err = storage.OpenSQLite(ctx, dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", dialect, err)
	}

	f.logger.InfoContext(ctx, "Initialized SQL backend", "dialect", string(dialect))

	return &BackendResult{
		Store:   storage.NewSQLStore(db),
		Cleanup: db.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend() *BackendResult {
	f.logger.Info("Initialized memory backend")
	return &BackendResult{Store: storage.NewMemoryStore()}
}

// attachRedis moves the settings store to Redis.
func (f *DefaultFactory) attachRedis(ctx context.Context, result *BackendResult, redisURL string) error {
	settings, err := storage.NewRedisSettings(redisURL)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis settings: %w", err)
	}
	result.Store.Settings = settings

	prev := result.Cleanup
	result.Cleanup = func() error {
		var errs []error
		if prev != nil {
			errs = append(errs, prev())
		}
		errs = append(errs, settings.Close())
		return errors.Join(errs...)
	}

	f.logger.InfoContext(ctx, "Settings stored in Redis")
	return nil
}

// seed applies the seed file unless the store already holds grants.
func (f *DefaultFactory) seed(ctx context.Context, s *storage.Store, path string) error {
	grants, err := s.Grants.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("check existing grants: %w", err)
	}
	if len(grants) > 0 {
		f.logger.InfoContext(ctx, "Store already populated, skipping seed", "grants", len(grants))
		return nil
	}
	seed, err := storage.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, s); err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "Seed applied", "file", path, "grants", len(seed.Grants))
	return nil
}

func (r *BackendResult) close() {
	if r.Cleanup != nil {
		_ = r.Cleanup()
	}
}
