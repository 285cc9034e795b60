package roomsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/agentworkforce/roomstate/internal/workspace"
)

// CachedState is what a client keeps between sessions. Its contents are
// untrusted and are normalized on load.
type CachedState struct {
	Workspace    workspace.WorkspaceState `json:"workspace"`
	Readings     []workspace.Reading      `json:"readings"`
	Revision     int64                    `json:"revision"`
	ActiveFileID string                   `json:"activeFileId,omitempty"`
}

// Cache persists the client copy of one scope. Load returns nil, nil when
// nothing has been stored yet.
type Cache interface {
	Load() (*CachedState, error)
	Save(state CachedState) error
}

// MemoryCache keeps the cached state in process. It is what tests and
// one-shot commands use.
type MemoryCache struct {
	mu    sync.Mutex
	state *CachedState
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load() (*CachedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, nil
	}
	copied := cloneCachedState(*c.state)
	return &copied, nil
}

func (c *MemoryCache) Save(state CachedState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := cloneCachedState(state)
	c.state = &copied
	return nil
}

// FileCache stores the cached state as one JSON file. Several processes may
// share the file: writes replace it atomically under an exclusive flock on
// a sibling ".lock" file, and Watch reports replacements made by others.
type FileCache struct {
	path       string
	lockPath   string
	normalizer workspace.Normalizer

	mu       sync.Mutex
	lastHash string
}

func NewFileCache(path string) *FileCache {
	return &FileCache{
		path:       path,
		lockPath:   path + ".lock",
		normalizer: workspace.NewNormalizer(),
	}
}

func (c *FileCache) Path() string {
	return c.path
}

func (c *FileCache) Load() (*CachedState, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	unlock, err := lockFile(c.lockPath, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache %s: %w", c.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	state, err := c.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", c.path, err)
	}
	return state, nil
}

// decode normalizes each field on its own: a malformed entry is dropped or
// coerced and the rest of the file is kept.
func (c *FileCache) decode(data []byte) (*CachedState, error) {
	var raw any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	record, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("cache is not a JSON object")
	}
	snapshot := c.normalizer.NormalizeSnapshot(record)
	active, _ := record["activeFileId"].(string)
	return &CachedState{
		Workspace:    snapshot.Workspace,
		Readings:     snapshot.Readings,
		Revision:     snapshot.Revision,
		ActiveFileID: strings.TrimSpace(active),
	}, nil
}

func (c *FileCache) Save(state CachedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	unlock, err := lockFile(c.lockPath, true)
	if err != nil {
		return err
	}
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := atomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write cache %s: %w", c.path, err)
	}
	c.lastHash = contentHash(data)
	return nil
}

// Watch calls onChange whenever another writer replaces the cache file. It
// blocks until ctx is done.
func (c *FileCache) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	// The file itself is replaced by rename, so watch its directory.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if c.writtenByUs() {
				continue
			}
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch cache: %w", err)
		}
	}
}

func (c *FileCache) writtenByUs() bool {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return contentHash(data) == c.lastHash
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneCachedState(state CachedState) CachedState {
	return CachedState{
		Workspace:    state.Workspace.Clone(),
		Readings:     workspace.CloneReadings(state.Readings),
		Revision:     state.Revision,
		ActiveFileID: state.ActiveFileID,
	}
}
