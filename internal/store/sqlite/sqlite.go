package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The DSN is a filesystem path; ":memory:" keeps everything in one connection.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases coherent and avoids
	// writer contention.
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS project_process(
			project_id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SavePID(ctx context.Context, projectID string, pid, port int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_process(project_id, pid, port, started_at, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			pid=excluded.pid,
			port=excluded.port,
			started_at=excluded.started_at,
			updated_at=excluded.updated_at;`,
		projectID, pid, port, now, now)
	return err
}

func (s *DB) RemovePID(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM project_process WHERE project_id=?;`, projectID)
	return err
}

func (s *DB) Get(ctx context.Context, projectID string) (store.Record, error) {
	var r store.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, pid, port, started_at, updated_at
		FROM project_process WHERE project_id=?;`, projectID).
		Scan(&r.ProjectID, &r.PID, &r.Port, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%s: %w", projectID, store.ErrNotFound)
	}
	return r, err
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, pid, port, started_at, updated_at
		FROM project_process ORDER BY project_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ProjectID, &r.PID, &r.Port, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
