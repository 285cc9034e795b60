package roomstate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (StateBackend, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	backend, err := BuildStateBackendFromDSN("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.(*RedisStateBackend).Close() })
	return backend, s
}

func TestRedisStateBackendRoundTrip(t *testing.T) {
	backend, s := setupTestRedis(t)
	ctx := context.Background()

	payload, err := backend.Load(ctx, "room")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil initial payload, got %s", payload)
	}

	if err := backend.Save(ctx, "room", []byte(`{"revision":2}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	stored, err := s.Get("roomstate:room:workspace-state")
	if err != nil {
		t.Fatalf("expected key in redis: %v", err)
	}
	if stored != `{"revision":2}` {
		t.Fatalf("unexpected stored value %s", stored)
	}
	if ttl := s.TTL("roomstate:room:workspace-state"); ttl != 0 {
		t.Fatalf("expected no expiry, got %v", ttl)
	}

	payload, err = backend.Load(ctx, "room")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(payload) != `{"revision":2}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestRedisStateBackendDrivesStore(t *testing.T) {
	backend, _ := setupTestRedis(t)
	store := newTestStore(t, backend)
	ctx := context.Background()

	if _, err := store.Write(ctx, WriteRequest{Scope: "room"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	snap, err := store.Read(ctx, "room")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1 from redis, got %d", snap.Revision)
	}
}

func TestRedisStateBackendUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := NewRedisStateBackend("redis://" + addr); err == nil {
		t.Fatalf("expected connect error for a stopped server")
	}
}
