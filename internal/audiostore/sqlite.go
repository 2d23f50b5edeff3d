package audiostore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time assertion that SQLite satisfies the Store interface.
var _ Store = (*SQLite)(nil)

// SQLite is a [Store] backed by a single SQLite database file ("audio.db")
// in WAL mode. Namespaces and artifacts live in two tables; releasing a call
// cascades to its artifacts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database in dataDir, runs pending
// migrations and drops namespaces left over from a previous process.
func OpenSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, storageErr("create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "audio.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("ping database", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, storageErr("run migrations", err)
	}
	res, err := db.Exec(`DELETE FROM namespaces`)
	if err != nil {
		db.Close()
		return nil, storageErr("purge stale namespaces", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("audiostore: purged stale namespaces", "count", n)
	}

	slog.Info("audiostore: sqlite store opened", "path", dbPath)
	return s, nil
}

// migrate runs all pending SQL migration files in order.
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		slog.Info("audiostore: applied migration", "version", version)
	}
	return nil
}

// Reserve implements [Store.Reserve].
func (s *SQLite) Reserve(ctx context.Context, callID string) (Namespace, error) {
	if callID == "" {
		return "", storageErr("reserve", errEmptyCallID)
	}
	var ns string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO namespaces (call_id, namespace) VALUES (?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET call_id = excluded.call_id
		 RETURNING namespace`,
		callID, string(newNamespace())).Scan(&ns)
	if err != nil {
		return "", storageErr("reserve", err)
	}
	return Namespace(ns), nil
}

// Save implements [Store.Save].
func (s *SQLite) Save(ctx context.Context, key Key, data []byte, contentType string) (Ref, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	var ns string
	err := s.db.QueryRowContext(ctx, `SELECT namespace FROM namespaces WHERE call_id = ?`, key.CallID).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotReserved
	}
	if err != nil {
		return "", storageErr("save", err)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (namespace, slot, content_type, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, slot) DO UPDATE SET
		   content_type = excluded.content_type,
		   data = excluded.data,
		   updated_at = datetime('now')`,
		ns, slotFor(key), contentType, data)
	if err != nil {
		return "", storageErr("save", err)
	}
	return NewRef(Namespace(ns), key), nil
}

// Load implements [Store.Load].
func (s *SQLite) Load(ctx context.Context, ref Ref) (Artifact, error) {
	ns, slot, err := ParseRef(ref)
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	err = s.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM artifacts WHERE namespace = ? AND slot = ?`,
		string(ns), slot).Scan(&a.ContentType, &a.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, storageErr("load", err)
	}
	return a, nil
}

// Release implements [Store.Release].
func (s *SQLite) Release(ctx context.Context, callID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE call_id = ?`, callID); err != nil {
		return storageErr("release", err)
	}
	return nil
}

// Ping implements [Store.Ping].
func (s *SQLite) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// Close implements [Store.Close].
func (s *SQLite) Close() error {
	return storageErr("close", s.db.Close())
}
