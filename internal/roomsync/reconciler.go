// Package roomsync keeps a client's cached copy of a scope's workspace in
// step with the authoritative store. Local edits are applied at once and
// pushed in the background; remote changes arrive through polling.
package roomsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/roomstate/internal/workspace"
)

var ErrInvalidInput = errors.New("invalid input")

// State is a copy of the reconciler's local view.
type State struct {
	Workspace    workspace.WorkspaceState
	Readings     []workspace.Reading
	Revision     int64
	ActiveFileID string
}

type Options struct {
	Scope      string
	Cache      Cache
	Normalizer workspace.Normalizer
	Logger     *zerolog.Logger
	// PushTimeout bounds each background push. Defaults to 15s.
	PushTimeout time.Duration
	// PollTimeout bounds each poll made by Run. Defaults to 15s.
	PollTimeout time.Duration
	// OnChange runs after the local state is replaced by a different one or
	// the active file moves. It must not call back into the reconciler
	// synchronously with a lock held by the caller.
	OnChange func(State)
	// NewID generates ids for created entries. Defaults to random UUIDs.
	NewID func() string
}

type Reconciler struct {
	client      RemoteClient
	scope       string
	cache       Cache
	normalizer  workspace.Normalizer
	logger      zerolog.Logger
	pushTimeout time.Duration
	pollTimeout time.Duration
	onChange    func(State)
	newID       func() string

	mu           sync.Mutex
	ws           workspace.WorkspaceState
	readings     []workspace.Reading
	revision     int64
	activeFileID string
	// exchanged is the fingerprint of the last state sent to or received
	// from the store.
	exchanged string
	// generation counts local replacements so a push result can tell
	// whether the state it was computed from is still current.
	generation  uint64
	fingerprint string
	// pushSeq numbers background pushes in send order; ackedSeq is the
	// highest one the store has acknowledged.
	pushSeq  uint64
	ackedSeq uint64

	nudge  chan struct{}
	pushes sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewReconciler(client RemoteClient, opts Options) (*Reconciler, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = 15 * time.Second
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 15 * time.Second
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		client:      client,
		scope:       scope,
		cache:       cache,
		normalizer:  opts.Normalizer,
		logger:      logger.With().Str("component", "roomsync").Str("scope", scope).Logger(),
		pushTimeout: pushTimeout,
		pollTimeout: pollTimeout,
		onChange:    opts.OnChange,
		newID:       newID,
		nudge:       make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Boot loads the cache and reconciles it with the authoritative copy. The
// reconciler is usable whatever Boot returns; an error means the store
// could not be reached and the local copy is all there is.
func (r *Reconciler) Boot(ctx context.Context) error {
	n := r.normalizer
	var (
		localWS       workspace.WorkspaceState
		localReadings []workspace.Reading
		localRevision int64
		cachedActive  string
	)
	cached, err := r.cache.Load()
	if err != nil {
		r.logger.Warn().Err(err).Msg("ignoring unreadable cache")
		cached = nil
	}
	if cached != nil {
		localReadings = n.NormalizeReadings(cached.Readings)
		localWS = n.EnsureReadingFiles(n.NormalizeWorkspace(cached.Workspace), localReadings)
		localRevision = max(cached.Revision, 0)
		cachedActive = cached.ActiveFileID
	}

	r.mu.Lock()
	r.activeFileID = cachedActive
	r.mu.Unlock()

	authoritative, fetchErr := r.client.FetchState(ctx, r.scope)
	if fetchErr != nil {
		r.logger.Warn().Err(fetchErr).Msg("fetch failed during boot; pushing local copy")
		if cached == nil {
			localWS = n.DefaultWorkspace()
		}
		sent := workspace.Fingerprint(localWS, localReadings)
		pushed, pushErr := r.client.PushState(ctx, r.scope, PushRequest{
			Workspace: localWS,
			Readings:  localReadings,
		})
		if pushErr != nil {
			r.replace(localWS, localReadings, localRevision, "")
			return fmt.Errorf("boot %s: fetch: %v; push: %w", r.scope, fetchErr, pushErr)
		}
		pushed = n.Normalize(pushed)
		r.replace(pushed.Workspace, pushed.Readings, pushed.Revision, sent)
		return nil
	}

	authoritative = n.Normalize(authoritative)
	authFingerprint := workspace.Fingerprint(authoritative.Workspace, authoritative.Readings)
	mergedReadings := n.MergeReadings(authoritative.Readings, localReadings)
	mergedWS := n.EnsureReadingFiles(n.MergeWorkspaces(authoritative.Workspace, localWS), mergedReadings)
	mergedFingerprint := workspace.Fingerprint(mergedWS, mergedReadings)
	if mergedFingerprint == authFingerprint {
		r.replace(authoritative.Workspace, authoritative.Readings, authoritative.Revision, authFingerprint)
		return nil
	}

	knownRevision := authoritative.Revision
	pushed, pushErr := r.client.PushState(ctx, r.scope, PushRequest{
		Workspace:     mergedWS,
		Readings:      mergedReadings,
		KnownRevision: &knownRevision,
	})
	if pushErr != nil {
		r.logger.Warn().Err(pushErr).Msg("push of merged state failed during boot; keeping merged copy")
		r.replace(mergedWS, mergedReadings, localRevision, authFingerprint)
		return nil
	}
	pushed = n.Normalize(pushed)
	r.replace(pushed.Workspace, pushed.Readings, pushed.Revision, mergedFingerprint)
	return nil
}

// Poll fetches the authoritative copy and adopts it when it is newer than
// the tracked revision. It reports whether local state was replaced.
func (r *Reconciler) Poll(ctx context.Context) (bool, error) {
	snapshot, err := r.client.FetchState(ctx, r.scope)
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", r.scope, err)
	}
	snapshot = r.normalizer.Normalize(snapshot)

	r.mu.Lock()
	if snapshot.Revision <= r.revision {
		r.mu.Unlock()
		return false, nil
	}
	fingerprint := workspace.Fingerprint(snapshot.Workspace, snapshot.Readings)
	state, changed := r.commitLocked(snapshot.Workspace, snapshot.Readings, snapshot.Revision, fingerprint)
	r.mu.Unlock()
	r.notify(state, changed)
	r.logger.Debug().Int64("revision", snapshot.Revision).Msg("adopted remote state")
	return true, nil
}

// Run polls until ctx is done, waiting a jittered interval between polls.
// Nudge cuts the wait short. Poll failures are logged and the loop goes on.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, jitter float64) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		r.pollOnce(ctx)
		timer.Reset(JitteredInterval(interval, jitter, rng.Float64()))
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()
	if _, err := r.Poll(pollCtx); err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("poll failed")
	}
}

// Nudge asks Run to poll now. Extra nudges while one is pending collapse.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// NudgeIfBehind is a revision hint handler: it nudges only when the hinted
// revision is ahead of the tracked one.
func (r *Reconciler) NudgeIfBehind(revision int64) {
	if revision > r.Revision() {
		r.Nudge()
	}
}

// ReloadCache adopts the cached copy when another process sharing the
// cache has stored a newer revision.
func (r *Reconciler) ReloadCache() (bool, error) {
	cached, err := r.cache.Load()
	if err != nil {
		return false, err
	}
	if cached == nil {
		return false, nil
	}
	n := r.normalizer
	readings := n.NormalizeReadings(cached.Readings)
	ws := n.EnsureReadingFiles(n.NormalizeWorkspace(cached.Workspace), readings)

	r.mu.Lock()
	if cached.Revision <= r.revision {
		r.mu.Unlock()
		return false, nil
	}
	fingerprint := workspace.Fingerprint(ws, readings)
	state, changed := r.commitLocked(ws, readings, cached.Revision, fingerprint)
	r.mu.Unlock()
	r.notify(state, changed)
	return true, nil
}

func (r *Reconciler) CreateFolder(name string, parentID *string) (workspace.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return workspace.Folder{}, fmt.Errorf("%w: folder name is required", ErrInvalidInput)
	}
	folder := workspace.Folder{
		ID:        "folder-" + r.newID(),
		Name:      name,
		ParentID:  cleanParent(parentID),
		CreatedAt: r.normalizer.NowMillis(),
	}
	r.mutate("", func(ws *workspace.WorkspaceState, _ *[]workspace.Reading) {
		ws.Folders = append(ws.Folders, folder)
	})
	return folder, nil
}

// CreateFile adds a canvas file and makes it the active file.
func (r *Reconciler) CreateFile(name string, parentID *string) (workspace.File, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return workspace.File{}, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	id := r.newID()
	file := workspace.File{
		ID:        "file-" + id,
		Name:      name,
		ParentID:  cleanParent(parentID),
		Type:      workspace.FileTypeCanvas,
		CreatedAt: r.normalizer.NowMillis(),
		CanvasKey: "canvas-" + id,
	}
	r.mutate(file.ID, func(ws *workspace.WorkspaceState, _ *[]workspace.Reading) {
		ws.Files = append(ws.Files, file)
	})
	return file, nil
}

// AddReading stores a reading; its companion file appears in the readings
// folder.
func (r *Reconciler) AddReading(title, content string) (workspace.Reading, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return workspace.Reading{}, fmt.Errorf("%w: reading title is required", ErrInvalidInput)
	}
	reading := workspace.Reading{
		ID:        r.newID(),
		Title:     title,
		Content:   workspace.CleanContent(content),
		CreatedAt: r.normalizer.NowMillis(),
	}
	r.mutate("", func(_ *workspace.WorkspaceState, readings *[]workspace.Reading) {
		*readings = append(*readings, reading)
	})
	return reading, nil
}

// SetActiveFile is local only and is never pushed.
func (r *Reconciler) SetActiveFile(id string) error {
	r.mu.Lock()
	if _, ok := r.ws.FindFile(id); !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: unknown file %q", ErrInvalidInput, id)
	}
	changed := r.activeFileID != id
	r.activeFileID = id
	r.saveCacheLocked()
	state := r.stateLocked()
	r.mu.Unlock()
	r.notify(state, changed)
	return nil
}

// Wait blocks until every push started so far has finished.
func (r *Reconciler) Wait() {
	r.pushes.Wait()
}

// Close abandons in-flight pushes and waits for them to return.
func (r *Reconciler) Close() {
	r.cancel()
	r.pushes.Wait()
}

func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Reconciler) ActiveFileID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeFileID
}

func (r *Reconciler) Revision() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

func (r *Reconciler) Scope() string {
	return r.scope
}

// mutate applies edit to the local copy, persists it and pushes the result
// in the background against the tracked revision. A non-empty activate
// becomes the active file.
func (r *Reconciler) mutate(activate string, edit func(ws *workspace.WorkspaceState, readings *[]workspace.Reading)) {
	n := r.normalizer
	r.mu.Lock()
	ws := r.ws.Clone()
	readings := workspace.CloneReadings(r.readings)
	edit(&ws, &readings)
	readings = n.NormalizeReadings(readings)
	ws = n.EnsureReadingFiles(n.NormalizeWorkspace(ws), readings)

	if activate != "" {
		r.activeFileID = activate
	}
	state, changed := r.commitLocked(ws, readings, r.revision, r.exchanged)
	if r.fingerprint == r.exchanged {
		// Nothing the store has not already seen.
		r.mu.Unlock()
		r.notify(state, changed)
		return
	}
	pending := r.pendingPushLocked()
	r.mu.Unlock()

	r.notify(state, changed)
	r.push(pending)
}

// pendingPush is one background push: the request plus what the result is
// checked against when it comes back.
type pendingPush struct {
	req        PushRequest
	sent       string
	generation uint64
	seq        uint64
}

// pendingPushLocked prepares a push of the current local state against the
// tracked revision.
func (r *Reconciler) pendingPushLocked() pendingPush {
	known := r.revision
	r.pushSeq++
	return pendingPush{
		req: PushRequest{
			Workspace:     r.ws.Clone(),
			Readings:      workspace.CloneReadings(r.readings),
			KnownRevision: &known,
		},
		sent:       r.fingerprint,
		generation: r.generation,
		seq:        r.pushSeq,
	}
}

func (r *Reconciler) push(pending pendingPush) {
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.pushTimeout)
		defer cancel()
		result, err := r.client.PushState(ctx, r.scope, pending.req)
		if err != nil {
			r.logger.Warn().Err(err).Msg("push failed; waiting for next poll")
			return
		}
		r.applyPushResult(r.normalizer.Normalize(result), pending)
	}()
}

func (r *Reconciler) applyPushResult(result workspace.Snapshot, pending pendingPush) {
	n := r.normalizer
	r.mu.Lock()
	// A push that lands after a later one has been acknowledged replaced
	// that later state in the store.
	overwrote := pending.seq < r.ackedSeq
	if pending.seq > r.ackedSeq {
		r.ackedSeq = pending.seq
	}
	if result.Revision <= r.revision {
		r.mu.Unlock()
		return
	}
	returned := workspace.Fingerprint(result.Workspace, result.Readings)
	var (
		state   State
		changed bool
	)
	if returned == pending.sent {
		r.revision = result.Revision
		r.exchanged = returned
		r.saveCacheLocked()
		state = r.stateLocked()
	} else {
		ws, readings := result.Workspace, result.Readings
		if r.generation != pending.generation {
			readings = n.MergeReadings(result.Readings, r.readings)
			ws = n.EnsureReadingFiles(n.MergeWorkspaces(result.Workspace, r.ws), readings)
		}
		state, changed = r.commitLocked(ws, readings, result.Revision, returned)
	}

	var repush *pendingPush
	if overwrote && r.fingerprint != r.exchanged {
		next := r.pendingPushLocked()
		repush = &next
	}
	r.mu.Unlock()
	r.notify(state, changed)
	if repush != nil {
		r.logger.Debug().Int64("revision", result.Revision).Msg("older push replaced newer state; pushing local copy again")
		r.push(*repush)
	}
}

// replace installs a whole state under the lock and notifies.
func (r *Reconciler) replace(ws workspace.WorkspaceState, readings []workspace.Reading, revision int64, exchanged string) {
	r.mu.Lock()
	state, changed := r.commitLocked(ws, readings, revision, exchanged)
	r.mu.Unlock()
	r.notify(state, changed)
}

// commitLocked installs a new local state, repairs the active file and
// persists the cache. It reports whether anything visible changed.
func (r *Reconciler) commitLocked(ws workspace.WorkspaceState, readings []workspace.Reading, revision int64, exchanged string) (State, bool) {
	fingerprint := workspace.Fingerprint(ws, readings)
	changed := fingerprint != r.fingerprint

	r.ws = ws.Clone()
	r.readings = workspace.CloneReadings(readings)
	r.revision = revision
	r.exchanged = exchanged
	r.fingerprint = fingerprint
	r.generation++

	active := r.activeFileID
	if _, ok := r.ws.FindFile(active); !ok || active == "" {
		active = ""
		if len(r.ws.Files) > 0 {
			active = r.ws.Files[0].ID
		}
	}
	if active != r.activeFileID {
		changed = true
	}
	r.activeFileID = active

	r.saveCacheLocked()
	return r.stateLocked(), changed
}

func (r *Reconciler) saveCacheLocked() {
	err := r.cache.Save(CachedState{
		Workspace:    r.ws,
		Readings:     r.readings,
		Revision:     r.revision,
		ActiveFileID: r.activeFileID,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("cache save failed")
	}
}

func (r *Reconciler) stateLocked() State {
	return State{
		Workspace:    r.ws.Clone(),
		Readings:     workspace.CloneReadings(r.readings),
		Revision:     r.revision,
		ActiveFileID: r.activeFileID,
	}
}

func (r *Reconciler) notify(state State, changed bool) {
	if changed && r.onChange != nil {
		r.onChange(state)
	}
}

func cleanParent(parentID *string) *string {
	if parentID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*parentID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
