package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"webhookd/internal/platform/config"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB carries the driver name next to the handle so repositories can write
// portable queries with ? placeholders.
type DB struct {
	*sql.DB
	Driver string
}

func Wrap(db *sql.DB, driver string) *DB {
	return &DB{DB: db, Driver: driver}
}

func Open(cfg config.DatabaseConfig) (*DB, error) {
	driver := cfg.Driver
	dsn := cfg.URL

	switch driver {
	case DriverPostgres:
	case DriverSQLite, "":
		driver = DriverSQLite
		// mattn/go-sqlite3 wants a bare path unless the DSN carries query options
		if strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
			dsn = dsn[5:]
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return Wrap(db, driver), nil
}

// Rebind rewrites ? placeholders into the driver's native form.
func (d *DB) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent, so running it against an initialized database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
	}
	return nil
}

// Millis converts an instant to its stored form.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NullMillis converts an optional instant to its stored form.
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func FromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := FromMillis(ms.Int64)
	return &t
}
