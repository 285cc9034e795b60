package roomstate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	pg := newPostgresIntegrationBackend(t, dsn)
	ctx := context.Background()

	payload, err := pg.Load(ctx, "room")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil initial payload, got %s", payload)
	}
	if err := pg.Save(ctx, "room", []byte(`{"revision":7}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := pg.Save(ctx, "other", []byte(`{"revision":1}`)); err != nil {
		t.Fatalf("save other failed: %v", err)
	}
	if err := pg.Save(ctx, "room", []byte(`{"revision":12}`)); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	payload, err = pg.Load(ctx, "room")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if string(payload) != `{"revision":12}` {
		t.Fatalf("expected updated payload, got %s", payload)
	}
	other, err := pg.Load(ctx, "other")
	if err != nil || string(other) != `{"revision":1}` {
		t.Fatalf("expected scopes to be isolated, got %s, %v", other, err)
	}
}

func TestPostgresIntegrationStoreRevisions(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	pg := newPostgresIntegrationBackend(t, dsn)
	store := NewStoreWithOptions(StoreOptions{StateBackend: pg, Normalizer: testNormalizer()})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		snap, err := store.Write(ctx, WriteRequest{Scope: "room", KnownRevision: revisionPtr(i - 1)})
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if snap.Revision != i {
			t.Fatalf("expected revision %d, got %d", i, snap.Revision)
		}
	}

	reopened := NewStoreWithOptions(StoreOptions{StateBackend: pg, Normalizer: testNormalizer()})
	snap, err := reopened.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read after reopen failed: %v", err)
	}
	if snap.Revision != 3 {
		t.Fatalf("expected revision 3 after reopen, got %d", snap.Revision)
	}
}

func newPostgresIntegrationBackend(t *testing.T, dsn string) *PostgresStateBackend {
	t.Helper()
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("roomstate_state_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})
	return pg
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ROOMSTATE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ROOMSTATE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
