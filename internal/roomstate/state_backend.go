package roomstate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// StateBackend persists one opaque JSON record per scope. Load returns nil
// with no error when the scope has nothing stored.
type StateBackend interface {
	Load(ctx context.Context, scope string) ([]byte, error)
	Save(ctx context.Context, scope string, payload []byte) error
}

type stateBackendCloser interface {
	Close() error
}

type InMemoryStateBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{records: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(_ context.Context, scope string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.records[scope]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(payload), nil
}

func (b *InMemoryStateBackend) Save(_ context.Context, scope string, payload []byte) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.records == nil {
		b.records = map[string][]byte{}
	}
	b.records[scope] = bytes.Clone(payload)
	return nil
}

// JSONFileStateBackend keeps each scope in Dir/<scope>/workspace-state.json.
// Writes replace the file atomically.
type JSONFileStateBackend struct {
	Dir string
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFileStateBackend) path(scope string) string {
	return filepath.Join(b.Dir, scope, StateKey+".json")
}

func (b *JSONFileStateBackend) Load(_ context.Context, scope string) ([]byte, error) {
	if b == nil || b.Dir == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.path(scope))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileStateBackend) Save(_ context.Context, scope string, payload []byte) error {
	if b == nil || b.Dir == "" {
		return ErrInvalidInput
	}
	path := b.path(scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(payload))
}
