package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/proctrack/internal/history"
)

func TestFactoryDSNTypes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch DSN", "opensearch://localhost:9200/process-logs", false},
		{"Elasticsearch DSN", "elasticsearch://localhost:9200", false},
		{"OpenSearch DSN without host", "opensearch:///idx", true},
		{"SQLite file DSN", "sqlite://" + dbPath, false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path", dbPath, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			_ = sink.Close()
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	addr, table, auth, err := parseClickHouseDSN("clickhouse://bob:pw@ch:9440/metrics?table=runs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "ch:9440" || table != "runs" {
		t.Errorf("got addr %q table %q", addr, table)
	}
	if auth.Database != "metrics" || auth.Username != "bob" || auth.Password != "pw" {
		t.Errorf("unexpected auth %+v", auth)
	}

	addr, table, auth, err = parseClickHouseDSN("clickhouse://")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "localhost:9000" || table != history.DefaultTable || auth.Username != "" {
		t.Errorf("defaults not applied: %q %q %+v", addr, table, auth)
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	sink, err := parseOpenSearchDSN("opensearch://u:p@search:9200/runs?tls=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink == nil {
		t.Fatal("expected sink")
	}

	if _, err := parseOpenSearchDSN("opensearch://%zz"); err == nil {
		t.Error("expected parse error")
	}
}
