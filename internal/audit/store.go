// Package audit provides a SQLite-backed, append-only record of bind
// and search decisions (§5 "ambient" stack — this is non-authoritative
// logging, not part of the protocol core). Adapted from the teacher's
// internal/database package: the same embed.FS + golang-migrate/v4
// schema-migration shape, reduced to a single table and a single
// write path, since the proxy has no configuration to store here — only
// an audit trail.
//
// Record failures are logged and dropped: nothing in this package may
// ever influence a Session's protocol behavior (session.Auditor's
// contract).
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/jroosing/ldap-cache-proxy/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a session.Auditor backed by a local SQLite database.
type Store struct {
	conn *sql.DB
	log  *slog.Logger
}

// Open opens or creates the audit database at path and applies schema
// migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single writer; WAL permits concurrent readers
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn, log: log}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record implements session.Auditor. It never returns an error to the
// caller — failures are logged at Warn and dropped.
func (s *Store) Record(ctx context.Context, ev session.AuditEvent) {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO audit_events (occurred_at, remote_addr, bind_dn, op, outcome) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), ev.RemoteAddr, ev.BindDN, ev.Op, ev.Outcome,
	)
	if err != nil && s.log != nil {
		s.log.WarnContext(ctx, "audit: failed to record event", "op", ev.Op, "err", err)
	}
}
