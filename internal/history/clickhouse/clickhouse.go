package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/proctrack/internal/history"
)

// Auth holds the ClickHouse credentials. Empty fields fall back to "default"
// for Database and Username.
type Auth struct {
	Database string
	Username string
	Password string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn   driver.Conn
	table  string
	insert string
}

// New connects to addr (host:port of the native protocol) and makes sure
// table exists.
func New(addr, table string, auth Auth) (*Sink, error) {
	if auth.Database == "" {
		auth.Database = "default"
	}
	if auth.Username == "" {
		auth.Username = "default"
	}
	if table == "" {
		table = history.DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: auth.Database,
			Username: auth.Username,
			Password: auth.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{
		conn:   conn,
		table:  table,
		insert: history.InsertStatement(table, func(int) string { return "?" }),
	}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		occurred_at DateTime64(6),
		event LowCardinality(String),
		run_id String,
		root_pid Int64,
		pid Int64,
		parent_pid Int64,
		command String,
		strategy LowCardinality(String),
		exit_code Int32,
		pid_count Int64,
		started_at DateTime64(6),
		finished_at DateTime64(6)
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, run_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	err := s.conn.Exec(ctx, s.insert,
		e.OccurredAt.UTC(),
		string(e.Type),
		r.RunID,
		int64(r.RootPID),
		int64(r.PID),
		int64(r.ParentPID),
		r.Command,
		r.Strategy,
		int32(r.ExitCode),
		int64(r.PIDCount),
		r.StartedAt.UTC(),
		r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
