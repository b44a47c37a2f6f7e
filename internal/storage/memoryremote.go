package storage

import (
	"context"
	"sync"

	"github.com/agentworkforce/convosync/internal/convstate"
)

// MemoryRemote is the memory:// RemoteStore: used in tests and as the
// developer-mode backend. Failures are injected through the hook fields.
type MemoryRemote struct {
	mu     sync.Mutex
	owners map[string]map[string]convstate.Conversation

	// Hooks for fault injection; when non-nil they run before the
	// corresponding operation and their error short-circuits it.
	GetErr    func() error
	UpsertErr func(conv convstate.Conversation) error
	DeleteErr func(conversationID string) error

	unreachable bool
	upserts     int
	deletes     int
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{owners: map[string]map[string]convstate.Conversation{}}
}

// SetReachable toggles the simulated link state. While unreachable, every
// call fails with a transient error.
func (r *MemoryRemote) SetReachable(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = !reachable
}

func (r *MemoryRemote) UpsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func (r *MemoryRemote) DeleteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deletes
}

func (r *MemoryRemote) offline() error {
	if r.unreachable {
		return &RemoteError{Kind: KindTransient, Message: "remote unreachable"}
	}
	return nil
}

func (r *MemoryRemote) GetAll(ctx context.Context, owner convstate.Owner) (convstate.ConversationSet, error) {
	if err := ctx.Err(); err != nil {
		return convstate.ConversationSet{}, &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.offline(); err != nil {
		return convstate.ConversationSet{}, err
	}
	if r.GetErr != nil {
		if err := r.GetErr(); err != nil {
			return convstate.ConversationSet{}, err
		}
	}
	stored, ok := r.owners[owner.Key()]
	if !ok || len(stored) == 0 {
		return convstate.ConversationSet{}, ErrNotFound
	}
	conversations := make(map[string]convstate.Conversation, len(stored))
	for id, conv := range stored {
		conversations[id] = conv.Clone()
	}
	set, _ := convstate.Normalize(convstate.ConversationSet{Conversations: conversations}, convstate.NowMillis())
	return set, nil
}

func (r *MemoryRemote) Upsert(ctx context.Context, owner convstate.Owner, conv convstate.Conversation) (convstate.Conversation, error) {
	if conv.ID == "" {
		return convstate.Conversation{}, convstate.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return convstate.Conversation{}, &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.offline(); err != nil {
		return convstate.Conversation{}, err
	}
	if r.UpsertErr != nil {
		if err := r.UpsertErr(conv); err != nil {
			return convstate.Conversation{}, err
		}
	}
	stored, ok := r.owners[owner.Key()]
	if !ok {
		stored = map[string]convstate.Conversation{}
		r.owners[owner.Key()] = stored
	}
	stored[conv.ID] = conv.Clone()
	r.upserts++
	return conv, nil
}

func (r *MemoryRemote) Delete(ctx context.Context, owner convstate.Owner, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.offline(); err != nil {
		return err
	}
	if r.DeleteErr != nil {
		if err := r.DeleteErr(conversationID); err != nil {
			return err
		}
	}
	if stored, ok := r.owners[owner.Key()]; ok {
		delete(stored, conversationID)
	}
	r.deletes++
	return nil
}

func (r *MemoryRemote) Reachable(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unreachable
}
