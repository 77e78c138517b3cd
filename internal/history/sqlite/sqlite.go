package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/proctrack/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db     *sql.DB
	insert string
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
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
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	sink := &Sink{
		db:     db,
		insert: history.InsertStatement(history.DefaultTable, func(int) string { return "?" }),
	}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + history.DefaultTable + `(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		run_id TEXT NOT NULL,
		root_pid INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		parent_pid INTEGER NOT NULL,
		command TEXT NOT NULL,
		strategy TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		pid_count INTEGER NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, s.insert, e.Values()...)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
