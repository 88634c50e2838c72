package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS project_process(
			project_id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SavePID(ctx context.Context, projectID string, pid, port int) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO project_process(project_id, pid, port, started_at, updated_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT(project_id) DO UPDATE SET
			pid=EXCLUDED.pid,
			port=EXCLUDED.port,
			started_at=EXCLUDED.started_at,
			updated_at=EXCLUDED.updated_at;`,
		projectID, pid, port, now, now)
	return err
}

func (p *DB) RemovePID(ctx context.Context, projectID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM project_process WHERE project_id=$1;`, projectID)
	return err
}

func (p *DB) Get(ctx context.Context, projectID string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT project_id, pid, port, started_at, updated_at
		FROM project_process WHERE project_id=$1;`, projectID).
		Scan(&r.ProjectID, &r.PID, &r.Port, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%s: %w", projectID, store.ErrNotFound)
	}
	if err != nil {
		return store.Record{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
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
		r.StartedAt = r.StartedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
