package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestSQLiteStore opens a file-backed store in a temp dir.
func newTestSQLiteStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), opts...)
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore_Contract(t *testing.T) {
	open := func(t *testing.T, clock *testClock) EventStore {
		return newTestSQLiteStore(t, WithClock(clock.Now))
	}
	runEventStoreContract(t, open)
	runCorruptRowContract(t, open, func(t *testing.T, st EventStore, data string) {
		_, err := st.(*SQLiteStore).db.ExecContext(context.Background(),
			"INSERT INTO events (event_data, created_at) VALUES (?, ?)", data, time.Now().UnixMilli())
		if err != nil {
			t.Fatalf("raw insert failed: %v", err)
		}
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	insertN(t, st, 3)
	before, _ := st.Read(ctx, 0)
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	after, err := reopened.Read(ctx, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(after) != 3 || after[0].ID != before[0].ID {
		t.Fatalf("expected the 3 events to survive reopen, got %v", eventIDs(after))
	}
	if reopened.Path() != path {
		t.Errorf("expected Path %q, got %q", path, reopened.Path())
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	st, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer st.Close()
	insertN(t, st, 2)
	n, err := st.Count(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 events, got %d (err=%v)", n, err)
	}
}

func TestPathForNamespace(t *testing.T) {
	tests := []struct {
		namespace string
		want      string
	}{
		{"app", "tracker-events-app.sqlite"},
		{"my-app_2", "tracker-events-my-app_2.sqlite"},
		{"a/b c", "tracker-events-a_b_c.sqlite"},
		{"../escape", "tracker-events-___escape.sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			got := PathForNamespace("/data", tt.namespace)
			if filepath.Dir(got) != "/data" {
				t.Errorf("path escaped dir: %q", got)
			}
			if !strings.HasSuffix(got, tt.want) {
				t.Errorf("PathForNamespace(%q) = %q, want suffix %q", tt.namespace, got, tt.want)
			}
		})
	}
}
