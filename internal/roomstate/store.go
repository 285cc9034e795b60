// Package roomstate is the authoritative store for per-scope workspace
// snapshots. Every read and write of one scope is serialized; distinct scopes
// never contend. Snapshots are persisted whole through a StateBackend.
package roomstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/roomstate/internal/workspace"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrNotImplemented   = errors.New("not implemented")
)

// StateKey names the single record each scope owns inside a backend.
const StateKey = "workspace-state"

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type ConflictError struct {
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: known revision %d is ahead of current revision %d", e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// WriteRequest replaces a scope's workspace and readings. Workspace and
// Readings may be decoded JSON or typed values; both are normalized.
// KnownRevision is the caller's last observed revision, nil when unknown.
type WriteRequest struct {
	Scope         string
	Workspace     any
	Readings      any
	KnownRevision *int64
	CorrelationID string
}

type StoreOptions struct {
	StateBackend StateBackend
	Normalizer   workspace.Normalizer
	Logger       *zerolog.Logger
	Metrics      *Metrics
}

type Store struct {
	backend    StateBackend
	normalizer workspace.Normalizer
	logger     zerolog.Logger
	metrics    *Metrics

	mu    sync.Mutex
	hosts map[string]*scopeHost
}

// scopeHost owns the lock and the watchers of one scope.
type scopeHost struct {
	mu sync.Mutex

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]chan int64
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.StateBackend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	normalizer := opts.Normalizer
	if normalizer.Now == nil {
		normalizer.Now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Store{
		backend:    backend,
		normalizer: normalizer,
		logger:     logger.With().Str("component", "store").Logger(),
		metrics:    opts.Metrics,
		hosts:      map[string]*scopeHost{},
	}
}

// ValidateScope trims a scope name and checks it is usable as a key in every
// backend.
func ValidateScope(scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if !scopePattern.MatchString(scope) {
		return "", fmt.Errorf("%w: scope %q", ErrInvalidInput, scope)
	}
	return scope, nil
}

// Read returns the current snapshot of scope. A scope with nothing persisted
// is initialized with the default workspace at revision 0. A persisted record
// is normalized on the way out but never rewritten by a read.
func (s *Store) Read(ctx context.Context, scope string) (workspace.Snapshot, error) {
	scope, err := ValidateScope(scope)
	if err != nil {
		return workspace.Snapshot{}, err
	}
	host := s.host(scope)
	host.mu.Lock()
	defer host.mu.Unlock()

	snapshot, err := s.loadLocked(ctx, scope)
	s.metrics.observeRead(err)
	return snapshot, err
}

// Write accepts a new workspace for a scope unless KnownRevision is ahead of
// the stored revision. A stale KnownRevision is accepted: last writer wins.
func (s *Store) Write(ctx context.Context, req WriteRequest) (workspace.Snapshot, error) {
	started := time.Now()
	scope, err := ValidateScope(req.Scope)
	if err != nil {
		s.metrics.observeWrite(err, time.Since(started))
		return workspace.Snapshot{}, err
	}
	if req.KnownRevision != nil && *req.KnownRevision < 0 {
		err := fmt.Errorf("%w: negative knownRevision", ErrInvalidInput)
		s.metrics.observeWrite(err, time.Since(started))
		return workspace.Snapshot{}, err
	}
	host := s.host(scope)
	host.mu.Lock()
	next, err := s.writeLocked(ctx, scope, req)
	if err == nil {
		host.publish(next.Revision)
	}
	host.mu.Unlock()
	s.metrics.observeWrite(err, time.Since(started))
	if err != nil {
		return workspace.Snapshot{}, err
	}

	log := s.logger.Debug().Str("scope", scope).Int64("revision", next.Revision)
	if req.CorrelationID != "" {
		log = log.Str("correlation_id", req.CorrelationID)
	}
	log.Msg("accepted write")
	return next, nil
}

func (s *Store) writeLocked(ctx context.Context, scope string, req WriteRequest) (workspace.Snapshot, error) {
	current, err := s.loadLocked(ctx, scope)
	if err != nil {
		return workspace.Snapshot{}, err
	}
	if req.KnownRevision != nil && *req.KnownRevision > current.Revision {
		return workspace.Snapshot{}, &ConflictError{
			ExpectedRevision: *req.KnownRevision,
			CurrentRevision:  current.Revision,
		}
	}
	readings := s.normalizer.NormalizeReadings(req.Readings)
	next := workspace.Snapshot{
		Workspace: s.normalizer.EnsureReadingFiles(s.normalizer.NormalizeWorkspace(req.Workspace), readings),
		Readings:  readings,
		Revision:  current.Revision + 1,
		UpdatedAt: s.normalizer.NowMillis(),
	}
	if err := s.saveLocked(ctx, scope, next); err != nil {
		return workspace.Snapshot{}, err
	}
	return next, nil
}

func (s *Store) loadLocked(ctx context.Context, scope string) (workspace.Snapshot, error) {
	payload, err := s.backend.Load(ctx, scope)
	if err != nil {
		return workspace.Snapshot{}, fmt.Errorf("load scope %s: %w", scope, err)
	}
	if payload == nil {
		initial := workspace.Snapshot{
			Workspace: s.normalizer.DefaultWorkspace(),
			Readings:  []workspace.Reading{},
			Revision:  0,
			UpdatedAt: s.normalizer.NowMillis(),
		}
		if err := s.saveLocked(ctx, scope, initial); err != nil {
			return workspace.Snapshot{}, err
		}
		s.logger.Info().Str("scope", scope).Msg("initialized scope")
		return initial, nil
	}

	var raw any
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		// Left in place for inspection; the next accepted write replaces it.
		s.logger.Warn().Err(err).Str("scope", scope).Msg("persisted state is not valid JSON")
		raw = nil
	}
	return s.normalizer.NormalizeSnapshot(raw), nil
}

func (s *Store) saveLocked(ctx context.Context, scope string, snapshot workspace.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, scope, payload); err != nil {
		return fmt.Errorf("save scope %s: %w", scope, err)
	}
	return nil
}

// Subscribe delivers the revision of every accepted write to scope. A slow
// receiver skips intermediate revisions but always sees the latest one.
// The returned function unsubscribes and closes the channel.
func (s *Store) Subscribe(scope string) (<-chan int64, func(), error) {
	scope, err := ValidateScope(scope)
	if err != nil {
		return nil, nil, err
	}
	host := s.host(scope)
	ch := make(chan int64, 1)

	host.subMu.Lock()
	id := host.nextSubID
	host.nextSubID++
	host.subscribers[id] = ch
	host.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			host.subMu.Lock()
			delete(host.subscribers, id)
			host.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// BackendName reports the concrete backend type for status output.
func (s *Store) BackendName() string {
	return fmt.Sprintf("%T", s.backend)
}

func (s *Store) host(scope string) *scopeHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, ok := s.hosts[scope]
	if !ok {
		host = &scopeHost{subscribers: map[int]chan int64{}}
		s.hosts[scope] = host
	}
	return host
}

func (h *scopeHost) publish(revision int64) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- revision:
		default:
		}
	}
}
