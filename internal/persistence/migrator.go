package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
)

// migrationLockKey serialises migrations across vaultd replicas.
const migrationLockKey int64 = 0x7661756c74 // "vault"

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migrator applies {version}_{name}.up.sql / .down.sql files from an fs.FS,
// normally the embedded migrations package.
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
}

// MigrationStatus is one migration file and whether it has run.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

type appliedMigration struct {
	filename string
	checksum string
}

func NewMigrator(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{db: db, migrations: migrations}
}

// Up applies every pending up-migration in version order. Each file runs
// in its own transaction together with its schema_migrations row.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}

		for _, f := range files {
			content, err := fs.ReadFile(m.migrations, f)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", f, err)
			}
			version, sum := extractVersion(f), checksum(content)

			if prev, ok := applied[version]; ok {
				if prev.checksum != "" && prev.checksum != sum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, f)
				}
				continue
			}

			log.Printf("INFO: applying migration %s", f)
			if err := m.exec(ctx, conn, string(content),
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				version, f, sum,
			); err != nil {
				return fmt.Errorf("migration %s: %w", f, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			log.Println("INFO: no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		content, err := fs.ReadFile(m.migrations, downFile)
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}

		if err := m.exec(ctx, conn, string(content),
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return fmt.Errorf("migration %s: %w", downFile, err)
		}
		log.Printf("INFO: rolled back migration %s", downFile)
		return nil
	})
}

// Status lists every up-migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	applied, err := m.applied(ctx, conn)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		_, ok := applied[v]
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: ok})
	}
	return out, nil
}

// locked runs fn on a single connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	return fn(conn)
}

func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, script, record string, args ...interface{}) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) files(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// extractVersion returns the numeric prefix of a migration filename:
// "000001_event_log.up.sql" is version "000001".
func extractVersion(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}
