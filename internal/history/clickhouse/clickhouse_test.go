package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/proctrack/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its
// native protocol address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "run_history", Auth{})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	now := time.Now().UTC()
	rec := history.Record{
		RunID:      "ch-run",
		RootPID:    777,
		Command:    "make",
		Strategy:   "kqueue",
		ExitCode:   3,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
	for _, e := range history.RunEvents(rec, []int{777, 778}, map[int]int{778: 777}) {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM run_history WHERE run_id = ?", rec.RunID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}
	if _, err := New("127.0.0.1:1", "t", Auth{}); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}
