package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its
// native host:port.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	healthy := false
	rows := []history.Row{
		{ID: "1", OccurredAt: time.Now().UTC(), Type: "status-changed", ProjectID: "alpha", State: "Running", Port: 8888},
		{ID: "2", OccurredAt: time.Now().UTC(), Type: "crashed", ProjectID: "alpha", ExitCode: 1, Signal: "", CrashCount: 1},
		{ID: "3", OccurredAt: time.Now().UTC(), Type: "health-changed", ProjectID: "alpha", Healthy: &healthy},
	}
	for _, r := range rows {
		if err := sink.Send(ctx, r); err != nil {
			t.Fatalf("Failed to send %s row: %v", r.Type, err)
		}
	}

	n, err := sink.Count(ctx, "alpha")
	if err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 rows, got %d", n)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := New("invalid-host.invalid:9000", "t"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}
