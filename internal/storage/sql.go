package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"budgetbase/internal/core"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// DB is a migrated database handle shared by every SQL repository.
type DB struct {
	*sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(ctx, DialectSQLite, path)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*DB, error) {
	return open(ctx, DialectPostgres, databaseURL)
}

func open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dialect, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db, dialect: dialect}, nil
}

func (db *DB) Dialect() Dialect { return db.dialect }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLRepository stores one record kind in the records table.
type SQLRepository[T any, P Record[T]] struct {
	db   *DB
	kind core.Kind
}

func NewSQLRepository[T any, P Record[T]](db *DB, kind core.Kind) *SQLRepository[T, P] {
	return &SQLRepository[T, P]{db: db, kind: kind}
}

func (r *SQLRepository[T, P]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT body FROM records WHERE kind = ? ORDER BY seq`), string(r.kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.kind, err)
		}
		var item T
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.kind, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind, err)
	}
	return out, nil
}

func (r *SQLRepository[T, P]) Get(ctx context.Context, id string) (T, error) {
	var item T
	var body []byte
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT body FROM records WHERE kind = ? AND id = ?`), string(r.kind), id).Scan(&body)
	if err == sql.ErrNoRows {
		return item, fmt.Errorf("get %s %s: %w", r.kind, id, core.ErrNotFound)
	}
	if err != nil {
		return item, fmt.Errorf("get %s %s: %w", r.kind, id, err)
	}
	if err := json.Unmarshal(body, &item); err != nil {
		return item, fmt.Errorf("decode %s: %w", r.kind, err)
	}
	return item, nil
}

func (r *SQLRepository[T, P]) Create(ctx context.Context, item T) (T, error) {
	id := ensureID[T, P](&item)
	body, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("encode %s: %w", r.kind, err)
	}

	var exists int
	err = r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT COUNT(*) FROM records WHERE kind = ? AND id = ?`), string(r.kind), id).Scan(&exists)
	if err != nil {
		return item, fmt.Errorf("create %s %s: %w", r.kind, id, err)
	}
	if exists > 0 {
		return item, fmt.Errorf("create %s %s: %w", r.kind, id, ErrDuplicate)
	}

	_, err = r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO records (kind, id, grant_id, body, updated_at) VALUES (?, ?, ?, ?, ?)`),
		string(r.kind), id, P(&item).GrantRef(), string(body), time.Now().UTC())
	if err != nil {
		return item, fmt.Errorf("create %s %s: %w", r.kind, id, err)
	}
	return item, nil
}

func (r *SQLRepository[T, P]) Update(ctx context.Context, item T) error {
	p := P(&item)
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.kind, err)
	}
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE records SET grant_id = ?, body = ?, updated_at = ? WHERE kind = ? AND id = ?`),
		p.GrantRef(), string(body), time.Now().UTC(), string(r.kind), p.GetID())
	if err != nil {
		return fmt.Errorf("update %s %s: %w", r.kind, p.GetID(), err)
	}
	return expectRow(res, "update", r.kind, p.GetID())
}

func (r *SQLRepository[T, P]) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM records WHERE kind = ? AND id = ?`), string(r.kind), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", r.kind, id, err)
	}
	return expectRow(res, "delete", r.kind, id)
}

func expectRow(res sql.Result, op string, kind core.Kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", op, kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s %s: %w", op, kind, id, core.ErrNotFound)
	}
	return nil
}

// SQLSettings is a SettingsStore backed by the settings table.
type SQLSettings struct {
	db *DB
}

func NewSQLSettings(db *DB) *SQLSettings {
	return &SQLSettings{db: db}
}

func (s *SQLSettings) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.db.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLSettings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
