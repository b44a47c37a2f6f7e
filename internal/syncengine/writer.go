package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
)

const (
	DefaultDebounce  = 500 * time.Millisecond
	DefaultRetryBase = time.Second
	DefaultRetryMax  = 30 * time.Second

	defaultOpTimeout = 15 * time.Second
)

// WriteOutcome reports the result of one remote delivery attempt.
type WriteOutcome struct {
	ConversationID string
	Remove         bool
	Err            error
}

type WriterOptions struct {
	Remote    storage.RemoteStore
	Local     storage.LocalStore
	Owner     convstate.Owner
	Debounce  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
	OpTimeout time.Duration
	Logger    storage.Logger
	OnOutcome func(WriteOutcome)
}

type writeOp struct {
	conv   convstate.Conversation
	remove bool
}

type pendingWrite struct {
	timer *time.Timer
	op    writeOp
}

// WriteCoordinator owns all outbound traffic to the remote store. Edits are
// debounced per conversation id, at most one write per id is ever on the
// wire, and edits arriving during a delivery coalesce into a single
// follow-up carrying the latest snapshot. Failed deliveries leave the
// conversation flagged in the local cache and retry with capped exponential
// backoff until they land.
type WriteCoordinator struct {
	remote    storage.RemoteStore
	local     storage.LocalStore
	owner     convstate.Owner
	logger    storage.Logger
	onOutcome func(WriteOutcome)

	debounce  time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	opTimeout time.Duration

	mu            sync.Mutex
	pending       map[string]*pendingWrite
	inflight      map[string]struct{}
	queued        map[string]writeOp
	canceled      map[string]struct{}
	attempts      map[string]int
	waiters       []chan struct{}
	settleWaiters []chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWriteCoordinator(opts WriterOptions) (*WriteCoordinator, error) {
	if opts.Remote == nil || opts.Local == nil {
		return nil, convstate.ErrInvalidInput
	}
	if opts.Owner.IsZero() {
		return nil, convstate.ErrInvalidInput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WriteCoordinator{
		remote:    opts.Remote,
		local:     opts.Local,
		owner:     opts.Owner,
		logger:    opts.Logger,
		onOutcome: opts.OnOutcome,
		debounce:  opts.Debounce,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		opTimeout: opts.OpTimeout,
		pending:   map[string]*pendingWrite{},
		inflight:  map[string]struct{}{},
		queued:    map[string]writeOp{},
		canceled:  map[string]struct{}{},
		attempts:  map[string]int{},
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}, nil
}

func (w *WriteCoordinator) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

func (w *WriteCoordinator) isClosedLocked() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// Schedule records a fresh snapshot for the conversation and (re)starts its
// debounce window. Repeated calls within the window collapse into one write
// carrying the last snapshot seen.
func (w *WriteCoordinator) Schedule(conv convstate.Conversation) {
	if conv.ID == "" {
		return
	}
	op := writeOp{conv: conv.Clone()}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosedLocked() {
		return
	}
	id := conv.ID
	w.attempts[id] = 0
	delete(w.canceled, id)
	if p, ok := w.pending[id]; ok {
		p.op = op
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingWrite{op: op}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(id) })
	w.pending[id] = p
}

// ScheduleDelete supersedes any pending or queued write for the id with an
// immediate remote delete. The delete is not debounced; it retries like any
// other delivery until the remote acknowledges it.
func (w *WriteCoordinator) ScheduleDelete(id string) {
	if id == "" {
		return
	}
	op := writeOp{conv: convstate.Conversation{ID: id}, remove: true}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosedLocked() {
		return
	}
	w.attempts[id] = 0
	delete(w.canceled, id)
	if p, ok := w.pending[id]; ok {
		p.timer.Stop()
		delete(w.pending, id)
	}
	if _, busy := w.inflight[id]; busy {
		w.queued[id] = op
		return
	}
	w.startLocked(id, op)
}

// Cancel drops every planned write for the id: the debounce timer, any
// queued follow-up, and the retry state. A delivery already on the wire
// cannot be recalled, but its result is discarded.
func (w *WriteCoordinator) Cancel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[id]; ok {
		p.timer.Stop()
		delete(w.pending, id)
	}
	delete(w.queued, id)
	delete(w.attempts, id)
	if _, busy := w.inflight[id]; busy {
		w.canceled[id] = struct{}{}
	}
	w.notifyIdleLocked()
	w.notifySettledLocked()
}

func (w *WriteCoordinator) fire(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[id]
	if !ok {
		return
	}
	delete(w.pending, id)
	if _, busy := w.inflight[id]; busy {
		w.queued[id] = p.op
		return
	}
	w.startLocked(id, p.op)
}

func (w *WriteCoordinator) startLocked(id string, op writeOp) {
	if w.isClosedLocked() {
		return
	}
	w.inflight[id] = struct{}{}
	w.wg.Add(1)
	go w.deliver(id, op)
}

func (w *WriteCoordinator) deliver(id string, op writeOp) {
	defer w.wg.Done()
	ctx, cancel := context.WithTimeout(w.ctx, w.opTimeout)
	defer cancel()

	var err error
	if op.remove {
		err = w.remote.Delete(ctx, w.owner, id)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		if err != nil {
			w.logf("remote delete of %s failed: %v", id, err)
		}
	} else {
		payload := op.conv.Clone()
		payload.PendingRemoteSync = false
		var result convstate.Conversation
		result, err = w.remote.Upsert(ctx, w.owner, payload)
		if err == nil {
			result.PendingRemoteSync = false
			w.mirror(result)
		} else {
			dirty := op.conv.Clone()
			dirty.PendingRemoteSync = true
			w.mirror(dirty)
			w.logf("remote upsert of %s failed: %v", id, err)
		}
	}

	if w.onOutcome != nil {
		w.onOutcome(WriteOutcome{ConversationID: id, Remove: op.remove, Err: err})
	}
	w.settle(id, op, err)
}

// mirror folds a delivery result back into the local cache: a confirmed
// write clears the pending flag, a failed one sets it so the conversation
// survives a restart as dirty.
func (w *WriteCoordinator) mirror(conv convstate.Conversation) {
	set, err := w.local.Get(w.owner)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.logf("local read during mirror failed: %v", err)
			return
		}
		set = convstate.NewConversationSet(convstate.NowMillis())
	}
	current, exists := set.Conversations[conv.ID]
	if !exists && conv.ID != convstate.SentinelConversationID {
		// Deleted while the write was on the wire; do not resurrect.
		return
	}
	if exists && current.LastModified > conv.LastModified {
		// A newer local edit is pending; only carry the flag over.
		current.PendingRemoteSync = conv.PendingRemoteSync
		set.Conversations[conv.ID] = current
	} else {
		set.Conversations[conv.ID] = conv
	}
	if err := w.local.Put(w.owner, set); err != nil {
		w.logf("local write during mirror failed: %v", err)
	}
}

func (w *WriteCoordinator) settle(id string, op writeOp, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.notifySettledLocked()
	delete(w.inflight, id)

	if _, dropped := w.canceled[id]; dropped {
		delete(w.canceled, id)
		delete(w.queued, id)
		delete(w.attempts, id)
		w.notifyIdleLocked()
		return
	}
	if next, ok := w.queued[id]; ok {
		delete(w.queued, id)
		w.attempts[id] = 0
		w.startLocked(id, next)
		return
	}
	if err != nil && !errors.Is(err, storage.ErrAuth) {
		w.scheduleRetryLocked(id, op)
		return
	}
	// Auth failures are not retried here; the conversation stays flagged
	// and is rescheduled on the next load after credentials change.
	delete(w.attempts, id)
	w.notifyIdleLocked()
}

func (w *WriteCoordinator) scheduleRetryLocked(id string, op writeOp) {
	if w.isClosedLocked() {
		return
	}
	attempt := w.attempts[id] + 1
	w.attempts[id] = attempt
	p := &pendingWrite{op: op}
	p.timer = time.AfterFunc(w.retryDelay(attempt), func() { w.fire(id) })
	w.pending[id] = p
}

func (w *WriteCoordinator) retryDelay(attempt int) time.Duration {
	delay := w.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.retryMax {
			return w.retryMax
		}
	}
	if delay > w.retryMax {
		return w.retryMax
	}
	return delay
}

func (w *WriteCoordinator) idleLocked() bool {
	return len(w.pending) == 0 && len(w.inflight) == 0 && len(w.queued) == 0
}

func (w *WriteCoordinator) notifyIdleLocked() {
	if !w.idleLocked() {
		return
	}
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

// settledLocked ignores the retry schedule: a failed delivery parked on a
// backoff timer counts as settled, only wire traffic does not.
func (w *WriteCoordinator) settledLocked() bool {
	return len(w.inflight) == 0 && len(w.queued) == 0
}

func (w *WriteCoordinator) notifySettledLocked() {
	if !w.settledLocked() {
		return
	}
	for _, ch := range w.settleWaiters {
		close(ch)
	}
	w.settleWaiters = nil
}

// Dirty reports whether any write is pending, queued, or on the wire.
func (w *WriteCoordinator) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.idleLocked()
}

// Flush fires every debounced write immediately and waits until all
// deliveries (including retries) have settled or ctx expires.
func (w *WriteCoordinator) Flush(ctx context.Context) error {
	w.fireAll()
	return w.waitIdle(ctx)
}

// Quiesce fires every debounced write immediately and waits until nothing
// is on the wire. Unlike Flush it does not wait out the retry loop: a
// delivery that fails gets one attempt, settles into its backoff timer,
// and Quiesce returns with the conversation still flagged dirty.
func (w *WriteCoordinator) Quiesce(ctx context.Context) error {
	w.fireAll()
	return w.waitSettled(ctx)
}

func (w *WriteCoordinator) fireAll() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.pending))
	for id, p := range w.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		w.fire(id)
	}
}

func (w *WriteCoordinator) waitSettled(ctx context.Context) error {
	w.mu.Lock()
	if w.settledLocked() {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.settleWaiters = append(w.settleWaiters, ch)
	w.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return nil
	}
}

func (w *WriteCoordinator) waitIdle(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.idleLocked() {
			w.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		w.waiters = append(w.waiters, ch)
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		}
	}
}

// Close stops all timers, abandons in-flight deliveries, and waits for
// their goroutines to exit. Pending content stays flagged in the local
// cache and is rescheduled on the next load.
func (w *WriteCoordinator) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		for id, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, id)
		}
		close(w.closed)
		for _, ch := range w.waiters {
			close(ch)
		}
		w.waiters = nil
		for _, ch := range w.settleWaiters {
			close(ch)
		}
		w.settleWaiters = nil
		w.mu.Unlock()
		w.cancel()
		w.wg.Wait()
	})
}
