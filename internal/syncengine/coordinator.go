package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateSaving        State = "saving"
	StateDegraded      State = "degraded"
)

type EventKind string

const (
	EventDegraded     EventKind = "degraded"
	EventRecovered    EventKind = "recovered"
	EventAuthRequired EventKind = "auth_required"
	EventLocalFatal   EventKind = "local_fatal"
)

// Event is a state notification for the embedding application: the engine
// went offline, came back, needs fresh credentials, or cannot persist
// locally anymore.
type Event struct {
	Kind EventKind
	Err  error
}

type Options struct {
	Remote   storage.RemoteStore
	Local    storage.LocalStore
	Owner    convstate.Owner
	Resolver *convstate.Resolver
	Logger   storage.Logger

	Debounce  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
}

// SyncCoordinator is the single entry point for conversation state. All
// reads come from its in-memory snapshot backed by the local cache; all
// writes flow through the write coordinator. The remote being down never
// blocks an operation, it only flips the coordinator into degraded mode.
type SyncCoordinator struct {
	remote   storage.RemoteStore
	local    storage.LocalStore
	owner    convstate.Owner
	resolver *convstate.Resolver
	logger   storage.Logger
	writer   *WriteCoordinator
	now      func() int64

	mu       sync.Mutex
	state    State
	current  convstate.ConversationSet
	degraded bool

	events chan Event
}

func NewSyncCoordinator(opts Options) (*SyncCoordinator, error) {
	if opts.Remote == nil || opts.Local == nil || opts.Owner.IsZero() {
		return nil, convstate.ErrInvalidInput
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = convstate.NewResolver(opts.Logger)
	}
	c := &SyncCoordinator{
		remote:   opts.Remote,
		local:    opts.Local,
		owner:    opts.Owner,
		resolver: resolver,
		logger:   opts.Logger,
		now:      convstate.NowMillis,
		state:    StateUninitialized,
		current:  convstate.NewConversationSet(convstate.NowMillis()),
		events:   make(chan Event, 16),
	}
	writer, err := NewWriteCoordinator(WriterOptions{
		Remote:    opts.Remote,
		Local:     opts.Local,
		Owner:     opts.Owner,
		Debounce:  opts.Debounce,
		RetryBase: opts.RetryBase,
		RetryMax:  opts.RetryMax,
		Logger:    opts.Logger,
		OnOutcome: c.handleOutcome,
	})
	if err != nil {
		return nil, err
	}
	c.writer = writer
	return c, nil
}

func (c *SyncCoordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Events delivers degraded/recovered/auth notifications. The channel is
// buffered; events are dropped (and logged) if nobody drains it.
func (c *SyncCoordinator) Events() <-chan Event {
	return c.events
}

func (c *SyncCoordinator) emit(kind EventKind, err error) {
	select {
	case c.events <- Event{Kind: kind, Err: err}:
	default:
		c.logf("event channel full, dropping %s", kind)
	}
}

func (c *SyncCoordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SyncCoordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Current returns a deep copy of the latest known set.
func (c *SyncCoordinator) Current() convstate.ConversationSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *SyncCoordinator) setCurrent(set convstate.ConversationSet) {
	c.mu.Lock()
	c.current = set.Clone()
	c.mu.Unlock()
}

// Load reconciles the remote account with the local cache and returns the
// merged set. When the remote is unreachable the cached set is served
// instead and the coordinator enters degraded mode; Load itself fails only
// on a dead local cache.
func (c *SyncCoordinator) Load(ctx context.Context) (convstate.ConversationSet, error) {
	c.mu.Lock()
	resume := c.state
	c.state = StateLoading
	c.mu.Unlock()

	// Give outstanding writes one delivery attempt so the merge below sees
	// their outcome. Writes stuck in the retry loop stay flagged in the
	// cache and must not hold up the load.
	if err := c.writer.Quiesce(ctx); err != nil {
		c.logf("quiesce before load interrupted: %v", err)
	}

	localSet, err := c.local.Get(c.owner)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.setState(resume)
			c.emit(EventLocalFatal, err)
			return convstate.ConversationSet{}, err
		}
		localSet = convstate.NewConversationSet(c.now())
	}

	remoteSet, err := c.remote.GetAll(ctx, c.owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			remoteSet = convstate.NewConversationSet(c.now())
		} else {
			c.enterDegraded(err)
			c.setCurrent(localSet)
			c.scheduleDirty(localSet)
			return localSet.Clone(), nil
		}
	}

	merged := c.resolver.MergeSets(localSet, remoteSet)
	if err := c.local.Put(c.owner, merged); err != nil {
		c.setState(resume)
		c.emit(EventLocalFatal, err)
		return merged.Clone(), err
	}
	c.setCurrent(merged)
	c.leaveDegraded()
	c.setState(StateReady)

	c.scheduleDirty(merged)
	return merged.Clone(), nil
}

// scheduleDirty re-queues every conversation still flagged for remote
// delivery: leftovers from a previous session, offline edits carried
// through a merge, and writes abandoned after an auth failure.
func (c *SyncCoordinator) scheduleDirty(set convstate.ConversationSet) {
	for _, conv := range set.Conversations {
		if conv.PendingRemoteSync {
			c.writer.Schedule(conv)
		}
	}
}

// Save replaces the current set with the caller's snapshot: changed
// conversations get their user-activity stamps bumped, are persisted
// locally right away, and are scheduled for debounced remote delivery.
// Conversations absent from the snapshot are dropped locally only; use
// DeleteConversation to remove one everywhere.
func (c *SyncCoordinator) Save(set convstate.ConversationSet) error {
	now := c.now()
	normalized, _ := convstate.Normalize(set, now)

	c.mu.Lock()
	previous := c.current
	if c.state == StateReady {
		c.state = StateSaving
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.state == StateSaving {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	changed := changedConversationIDs(previous, normalized)
	for _, id := range changed {
		conv := normalized.Conversations[id]
		conv.TouchUser(now)
		conv.PendingRemoteSync = true
		normalized.Conversations[id] = conv
	}

	if err := c.local.Put(c.owner, normalized); err != nil {
		c.emit(EventLocalFatal, err)
		return err
	}
	c.setCurrent(normalized)

	for _, id := range changed {
		c.writer.Schedule(normalized.Conversations[id])
	}
	return nil
}

// SetActive switches the active conversation. Selection is device-local
// state and never generates a remote write.
func (c *SyncCoordinator) SetActive(id string) error {
	c.mu.Lock()
	set := c.current.Clone()
	c.mu.Unlock()
	if _, ok := set.Conversations[id]; !ok {
		return convstate.ErrNotFound
	}
	set.ActiveID = id
	if err := c.local.Put(c.owner, set); err != nil {
		c.emit(EventLocalFatal, err)
		return err
	}
	c.setCurrent(set)
	return nil
}

// DeleteConversation removes a conversation everywhere. The local removal
// is immediate, any pending write for the id is withdrawn, and the remote
// delete retries in the background until acknowledged. The default
// conversation cannot be deleted.
func (c *SyncCoordinator) DeleteConversation(id string) error {
	if id == convstate.SentinelConversationID {
		return convstate.ErrInvalidInput
	}
	c.mu.Lock()
	set := c.current.Clone()
	c.mu.Unlock()
	if _, ok := set.Conversations[id]; !ok {
		return convstate.ErrNotFound
	}

	delete(set.Conversations, id)
	if set.ActiveID == id {
		set.ActiveID = convstate.SentinelConversationID
	}
	normalized, _ := convstate.Normalize(set, c.now())
	if err := c.local.Put(c.owner, normalized); err != nil {
		c.emit(EventLocalFatal, err)
		return err
	}
	c.setCurrent(normalized)

	c.writer.ScheduleDelete(id)
	return nil
}

// Refresh pulls the remote set and merges it into the cache. System-driven
// refreshes never bump user-activity stamps, so an actively typing user
// still wins the next conflict resolution.
func (c *SyncCoordinator) Refresh(ctx context.Context) error {
	remoteSet, err := c.remote.GetAll(ctx, c.owner)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.enterDegraded(err)
			return err
		}
		remoteSet = convstate.NewConversationSet(c.now())
	}

	c.mu.Lock()
	localSet := c.current.Clone()
	c.mu.Unlock()

	merged := c.resolver.MergeSets(localSet, remoteSet)
	if err := c.local.Put(c.owner, merged); err != nil {
		c.emit(EventLocalFatal, err)
		return err
	}
	c.setCurrent(merged)
	c.leaveDegraded()
	c.scheduleDirty(merged)
	return nil
}

// Flush delivers all pending writes now, bounded by ctx.
func (c *SyncCoordinator) Flush(ctx context.Context) error {
	return c.writer.Flush(ctx)
}

// Close flushes briefly, then stops the write coordinator.
func (c *SyncCoordinator) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.writer.Flush(ctx); err != nil {
		c.logf("flush on close interrupted: %v", err)
	}
	c.writer.Close()
}

func (c *SyncCoordinator) handleOutcome(outcome WriteOutcome) {
	if outcome.Err == nil {
		// The mirror may have cleared a pending flag; pick it up.
		if set, err := c.local.Get(c.owner); err == nil {
			c.setCurrent(set)
		}
		c.leaveDegraded()
		return
	}
	c.enterDegraded(outcome.Err)
}

func (c *SyncCoordinator) enterDegraded(err error) {
	kind := EventDegraded
	if errors.Is(err, storage.ErrAuth) {
		kind = EventAuthRequired
	}
	c.mu.Lock()
	was := c.degraded
	c.degraded = true
	c.state = StateDegraded
	c.mu.Unlock()
	if !was || kind == EventAuthRequired {
		c.logf("entering degraded mode: %v", err)
		c.emit(kind, err)
	}
}

func (c *SyncCoordinator) leaveDegraded() {
	c.mu.Lock()
	was := c.degraded
	c.degraded = false
	if c.state == StateDegraded {
		c.state = StateReady
	}
	c.mu.Unlock()
	if was {
		c.logf("remote recovered, leaving degraded mode")
		c.emit(EventRecovered, nil)
	}
}

// changedConversationIDs diffs two sets by content, ignoring the bookkeeping
// fields the coordinator manages itself.
func changedConversationIDs(previous, next convstate.ConversationSet) []string {
	changed := make([]string, 0)
	for id, conv := range next.Conversations {
		prev, ok := previous.Conversations[id]
		if !ok || !conversationEqual(prev, conv) {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

func conversationEqual(a, b convstate.Conversation) bool {
	a.PendingRemoteSync, b.PendingRemoteSync = false, false
	a.LastModified, b.LastModified = 0, 0
	a.LastUserActivity, b.LastUserActivity = 0, 0
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
