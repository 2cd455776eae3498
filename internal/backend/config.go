package backend

import (
	"errors"
	"fmt"

	"budgetbase/internal/config"
)

var backendTypes = []BackendType{MemoryBackend, SQLiteBackend, PostgresBackend}

// FromAppConfig maps the storage section of the application config.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("backend: nil application config")
	}

	cfg := Config{
		Type:         BackendType(appConfig.DataBackend),
		SQLiteDBPath: appConfig.SQLiteDBPath,
		DatabaseURL:  appConfig.DatabaseURL,
		RedisURL:     appConfig.RedisURL,
		SeedFile:     appConfig.SeedFile,
	}
	if !cfg.Type.IsValid() {
		return Config{}, fmt.Errorf("backend: unknown data backend %q (want one of %v)", appConfig.DataBackend, GetBackendTypeStrings())
	}
	return cfg, nil
}

// Validate checks that the settings required by the chosen backend are present.
// Redis and the seed file are optional for every backend.
func (c Config) Validate() error {
	var missing string
	switch c.Type {
	case MemoryBackend:
		return nil
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			missing = "sqlite database path"
		}
	case PostgresBackend:
		if c.DatabaseURL == "" {
			missing = "postgres database URL"
		}
	default:
		return fmt.Errorf("backend: unknown type %q", c.Type)
	}
	if missing != "" {
		return fmt.Errorf("backend %s: %s is required", c.Type, missing)
	}
	return nil
}

// GetBackendTypes lists the supported backends, memory first.
func GetBackendTypes() []BackendType {
	return append([]BackendType(nil), backendTypes...)
}

// GetBackendTypeStrings is GetBackendTypes as plain strings.
func GetBackendTypeStrings() []string {
	out := make([]string, 0, len(backendTypes))
	for _, t := range backendTypes {
		out = append(out, string(t))
	}
	return out
}
