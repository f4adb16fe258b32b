package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "warden/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveDocument(ctx context.Context, name string, data []byte) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("document name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(name, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		name, data, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, chat_id, user_id, job_id, content) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Kind, e.ChatID, e.UserID, nullStr(e.JobID), e.Content,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
