package roomstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentworkforce/roomstate/internal/workspace"
)

const testNow int64 = 1_700_000_000_000

func testNormalizer() workspace.Normalizer {
	return workspace.Normalizer{
		Topology: workspace.DefaultTopology(),
		Now:      func() time.Time { return time.UnixMilli(testNow) },
	}
}

func newTestStore(t *testing.T, backend StateBackend) *Store {
	t.Helper()
	store := NewStoreWithOptions(StoreOptions{
		StateBackend: backend,
		Normalizer:   testNormalizer(),
	})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func revisionPtr(v int64) *int64 {
	return &v
}

type failingStateBackend struct {
	inner   *InMemoryStateBackend
	mu      sync.Mutex
	failing bool
}

func (b *failingStateBackend) Load(ctx context.Context, scope string) ([]byte, error) {
	return b.inner.Load(ctx, scope)
}

func (b *failingStateBackend) Save(ctx context.Context, scope string, payload []byte) error {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return b.inner.Save(ctx, scope, payload)
}

func (b *failingStateBackend) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func TestStoreReadInitializesFreshScope(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := newTestStore(t, backend)

	snap, err := store.Read(context.Background(), "class-a")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 0 {
		t.Fatalf("expected revision 0, got %d", snap.Revision)
	}
	if len(snap.Workspace.Folders) != 3 || len(snap.Workspace.Files) != 2 || len(snap.Readings) != 0 {
		t.Fatalf("expected default workspace, got %+v", snap)
	}
	if snap.UpdatedAt != testNow {
		t.Fatalf("expected updatedAt %d, got %d", testNow, snap.UpdatedAt)
	}
	payload, _ := backend.Load(context.Background(), "class-a")
	if payload == nil {
		t.Fatalf("expected fresh scope to be persisted")
	}
}

func TestStoreFreshScopeGetThenPut(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	next, err := store.Write(ctx, WriteRequest{
		Scope:         "room",
		Workspace:     first.Workspace,
		Readings:      []any{map[string]any{"id": "r1", "title": "Intro"}},
		KnownRevision: revisionPtr(0),
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if next.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", next.Revision)
	}
	if len(next.Workspace.Folders) != 3 || len(next.Workspace.Files) != 3 || len(next.Readings) != 1 {
		t.Fatalf("expected 3 folders, 3 files, 1 reading, got %+v", next)
	}
	link, ok := next.Workspace.FindFile("reading-r1")
	if !ok || link.ParentID == nil || *link.ParentID != workspace.ReadingsFolderID {
		t.Fatalf("expected reading-r1 under the readings folder, got %+v", link)
	}
}

func TestStoreWriteAdvancesRevisionByOne(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		snap, err := store.Write(ctx, WriteRequest{Scope: "room", KnownRevision: revisionPtr(i - 1)})
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if snap.Revision != i {
			t.Fatalf("expected revision %d, got %d", i, snap.Revision)
		}
	}
	snap, err := store.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 5 {
		t.Fatalf("expected persisted revision 5, got %d", snap.Revision)
	}
}

func TestStoreWriteRejectsRevisionAhead(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	if _, err := store.Write(ctx, WriteRequest{Scope: "room", Readings: []workspace.Reading{{ID: "r1", Title: "Kept", CreatedAt: 1}}}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	_, err := store.Write(ctx, WriteRequest{Scope: "room", KnownRevision: revisionPtr(7)})
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.ExpectedRevision != 7 || conflict.CurrentRevision != 1 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}

	snap, err := store.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 1 || len(snap.Readings) != 1 {
		t.Fatalf("expected rejected write to leave state untouched, got %+v", snap)
	}
}

func TestStoreWriteAcceptsStaleRevision(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err != nil {
			t.Fatalf("seed write failed: %v", err)
		}
	}
	snap, err := store.Write(ctx, WriteRequest{Scope: "room", KnownRevision: revisionPtr(1)})
	if err != nil {
		t.Fatalf("expected stale knownRevision to be accepted, got %v", err)
	}
	if snap.Revision != 4 {
		t.Fatalf("expected revision 4, got %d", snap.Revision)
	}
}

func TestStoreConcurrentPushesLastWriterWins(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	first, err := store.Write(ctx, WriteRequest{
		Scope:         "room",
		Readings:      []workspace.Reading{{ID: "first", Title: "From first", CreatedAt: 1}},
		KnownRevision: revisionPtr(1),
	})
	if err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	second, err := store.Write(ctx, WriteRequest{
		Scope:         "room",
		Readings:      []workspace.Reading{{ID: "second", Title: "From second", CreatedAt: 2}},
		KnownRevision: revisionPtr(1),
	})
	if err != nil {
		t.Fatalf("second push failed: %v", err)
	}
	if first.Revision != 2 || second.Revision != 3 {
		t.Fatalf("expected revisions 2 and 3, got %d and %d", first.Revision, second.Revision)
	}
	snap, _ := store.Read(ctx, "room")
	if len(snap.Readings) != 1 || snap.Readings[0].ID != "second" {
		t.Fatalf("expected second push to overwrite the first, got %+v", snap.Readings)
	}
	if _, ok := snap.Workspace.FindFile("reading-first"); ok {
		t.Fatalf("expected first push's reading link to be gone")
	}
}

func TestStoreSerializesParallelWrites(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	seen := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := store.Write(ctx, WriteRequest{
				Scope:    "room",
				Readings: []workspace.Reading{{ID: fmt.Sprintf("r%d", i), Title: "T", CreatedAt: 1}},
			})
			if err != nil {
				t.Errorf("write %d failed: %v", i, err)
				return
			}
			seen <- snap.Revision
		}(i)
	}
	wg.Wait()
	close(seen)

	revisions := map[int64]bool{}
	for rev := range seen {
		if revisions[rev] {
			t.Fatalf("revision %d handed out twice", rev)
		}
		revisions[rev] = true
	}
	for rev := int64(1); rev <= writers; rev++ {
		if !revisions[rev] {
			t.Fatalf("missing revision %d", rev)
		}
	}
}

func TestStoreScopesAreIndependent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	if _, err := store.Write(ctx, WriteRequest{Scope: "a"}); err != nil {
		t.Fatalf("write a failed: %v", err)
	}
	snap, err := store.Read(ctx, "b")
	if err != nil {
		t.Fatalf("read b failed: %v", err)
	}
	if snap.Revision != 0 {
		t.Fatalf("expected scope b untouched, got revision %d", snap.Revision)
	}
}

func TestStoreRejectsInvalidScope(t *testing.T) {
	store := newTestStore(t, nil)
	for _, scope := range []string{"", "  ", "../etc", "a/b", "-leading"} {
		if _, err := store.Read(context.Background(), scope); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for scope %q, got %v", scope, err)
		}
	}
}

func TestStoreReadDoesNotPersistNormalization(t *testing.T) {
	backend := NewInMemoryStateBackend()
	raw := []byte(`{"workspace":{"folders":[{"id":"x","name":"  Odd  "}]},"readings":"nope","revision":4}`)
	if err := backend.Save(context.Background(), "room", raw); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store := newTestStore(t, backend)

	snap, err := store.Read(context.Background(), "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 4 {
		t.Fatalf("expected revision 4, got %d", snap.Revision)
	}
	if folder, ok := snap.Workspace.FindFolder("x"); !ok || folder.Name != "Odd" {
		t.Fatalf("expected normalized folder x, got %+v", snap.Workspace.Folders)
	}
	after, _ := backend.Load(context.Background(), "room")
	if string(after) != string(raw) {
		t.Fatalf("expected read to leave persisted record alone, got %s", after)
	}
}

func TestStoreReadToleratesCorruptRecord(t *testing.T) {
	backend := NewInMemoryStateBackend()
	_ = backend.Save(context.Background(), "room", []byte("{not json"))
	store := newTestStore(t, backend)

	snap, err := store.Read(context.Background(), "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 0 || len(snap.Workspace.Folders) != 3 {
		t.Fatalf("expected default snapshot, got %+v", snap)
	}
	next, err := store.Write(context.Background(), WriteRequest{Scope: "room", KnownRevision: revisionPtr(0)})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if next.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", next.Revision)
	}
}

func TestStoreSaveFailureKeepsRevision(t *testing.T) {
	backend := &failingStateBackend{inner: NewInMemoryStateBackend()}
	store := newTestStore(t, backend)
	ctx := context.Background()
	if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	backend.setFailing(true)
	if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err == nil {
		t.Fatalf("expected save failure to surface")
	}
	backend.setFailing(false)

	snap, err := store.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision to stay at 1, got %d", snap.Revision)
	}
}

func TestStoreWriteRejectsNegativeKnownRevision(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.Write(context.Background(), WriteRequest{Scope: "room", KnownRevision: revisionPtr(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStoreSubscribeReceivesLatestRevision(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	revisions, cancel, err := store.Subscribe("room")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	select {
	case rev := <-revisions:
		if rev != 3 {
			t.Fatalf("expected latest revision 3, got %d", rev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for revision")
	}

	cancel()
	if _, ok := <-revisions; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	cancel()
}

func TestStoreMetricsCountResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := NewStoreWithOptions(StoreOptions{Normalizer: testNormalizer(), Metrics: metrics})
	ctx := context.Background()

	_, _ = store.Read(ctx, "room")
	_, _ = store.Write(ctx, WriteRequest{Scope: "room"})
	_, _ = store.Write(ctx, WriteRequest{Scope: "room", KnownRevision: revisionPtr(9)})

	if got := testutil.ToFloat64(metrics.reads.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok read, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.writes.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok write, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.writes.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("expected 1 conflicting write, got %v", got)
	}
}
