package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history"
)

// Sink sends history rows to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr, either "host:port" or a clickhouse:// DSN, and
// creates table if missing.
func New(addr, table string) (*Sink, error) {
	opts, err := options(addr)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if table == "" {
		table = history.Table
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func options(addr string) (*clickhouse.Options, error) {
	if strings.Contains(addr, "://") {
		return clickhouse.ParseDSN(addr)
	}
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
		},
	}, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			occurred_at DateTime64(3, 'UTC'),
			type LowCardinality(String),
			project_id String,
			state LowCardinality(String),
			port Int32,
			message String,
			fatal Bool,
			exit_code Int32,
			signal String,
			crash_count Int32,
			healthy Nullable(Bool)
		) ENGINE = MergeTree()
		ORDER BY (project_id, occurred_at)`, s.table))
}

func (s *Sink) Send(ctx context.Context, r history.Row) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, history.Columns)
	if err := s.conn.Exec(ctx, query, r.Args()...); err != nil {
		return fmt.Errorf("failed to insert row into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for project.
func (s *Sink) Count(ctx context.Context, project string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE project_id = ?", s.table), project)
	err := row.Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
