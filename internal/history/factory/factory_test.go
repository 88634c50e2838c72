package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history/sqlite"
)

func TestKind(t *testing.T) {
	cases := map[string]string{
		"clickhouse://localhost:9000/default": "clickhouse",
		"postgres://u:p@h/db":                 "postgres",
		"POSTGRESQL://u:p@h/db":               "postgres",
		"sqlite://:memory:":                   "sqlite",
		"/var/lib/beeswarm/history.db":        "sqlite",
		"opensearch://localhost:9200/idx":     "",
		"":                                    "",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, Kind(dsn), dsn)
	}
}

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	_, ok := s.(*sqlite.Sink)
	assert.True(t, ok)
}

func TestNewSinkFromDSN_Errors(t *testing.T) {
	_, err := NewSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("kafka://broker:9092/topic")
	assert.ErrorContains(t, err, "unsupported DSN format")
}

func TestNewSinks_ClosesOnFailure(t *testing.T) {
	_, err := NewSinks([]string{"sqlite://:memory:", "kafka://x"})
	assert.Error(t, err)

	sinks, err := NewSinks([]string{"sqlite://:memory:", "sqlite://:memory:"})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
	for _, s := range sinks {
		_ = s.Close()
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	addr, table, err := parseClickHouseDSN("clickhouse://default:@ch:9000/analytics?table=events&dial_timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "events", table)
	assert.Equal(t, "clickhouse://default:@ch:9000/analytics?dial_timeout=5s", addr)
}
