package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history"
)

// Sink appends history rows to a SQLite table.
type Sink struct {
	db    *sql.DB
	table string
}

// New opens dsn and creates the history table if missing.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db, table: history.Table}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			id TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			type TEXT NOT NULL,
			project_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			fatal BOOLEAN NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			signal TEXT NOT NULL DEFAULT '',
			crash_count INTEGER NOT NULL DEFAULT 0,
			healthy BOOLEAN NULL
		);`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_project ON %s(project_id, occurred_at);`, s.table, s.table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Row) error {
	q := fmt.Sprintf(`INSERT INTO %s(%s) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`, s.table, history.Columns)
	_, err := s.db.ExecContext(ctx, q, r.Args()...)
	return err
}

// Count returns the number of rows stored for project.
func (s *Sink) Count(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project_id = ?`, s.table), project).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
