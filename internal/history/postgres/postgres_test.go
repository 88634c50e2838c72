package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	healthy := false
	rows := []history.Row{
		{ID: "a1", OccurredAt: time.Now().UTC(), Type: "status-changed", ProjectID: "alpha", State: "Starting"},
		{ID: "a2", OccurredAt: time.Now().UTC(), Type: "health-critical", ProjectID: "alpha", Healthy: &healthy},
		{ID: "a3", OccurredAt: time.Now().UTC(), Type: "error", ProjectID: "alpha", Message: "boom", Fatal: true},
	}
	for _, r := range rows {
		require.NoError(t, sink.Send(ctx, r))
	}
	n, err := sink.Count(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Schema creation is idempotent.
	again, err := New(connStr)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
