package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/convosync/internal/convstate"
)

const localKeyPrefix = "convosync:"

// KV is the flat string cache the local store persists into: a small fixed
// set of namespaced keys, one JSON blob per logical concept.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string

	// SetErr, when non-nil, is returned by every Set. Tests use it to
	// simulate quota exhaustion.
	SetErr error
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string]string{}}
}

func (kv *MemoryKV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.values[key]
	return value, ok
}

func (kv *MemoryKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.SetErr != nil {
		return kv.SetErr
	}
	kv.values[key] = value
	return nil
}

func (kv *MemoryKV) Remove(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.values, key)
	return nil
}

// FileKV persists the key set as one JSON file, written atomically so a
// watcher on the path only ever observes complete snapshots.
type FileKV struct {
	path   string
	mu     sync.Mutex
	values map[string]string
	loaded bool
}

func NewFileKV(path string) (*FileKV, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	kv := &FileKV{path: path, values: map[string]string{}}
	if err := kv.load(); err != nil {
		return nil, err
	}
	return kv, nil
}

// Path returns the backing file, for watchers.
func (kv *FileKV) Path() string {
	return kv.path
}

func (kv *FileKV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.values[key]
	return value, ok
}

func (kv *FileKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	previous, existed := kv.values[key]
	kv.values[key] = value
	if err := kv.saveLocked(); err != nil {
		if existed {
			kv.values[key] = previous
		} else {
			delete(kv.values, key)
		}
		return err
	}
	return nil
}

func (kv *FileKV) Remove(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	previous, existed := kv.values[key]
	if !existed {
		return nil
	}
	delete(kv.values, key)
	if err := kv.saveLocked(); err != nil {
		kv.values[key] = previous
		return err
	}
	return nil
}

// Reload re-reads the backing file, picking up writes from another process.
func (kv *FileKV) Reload() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.loaded = false
	return kv.loadLocked()
}

func (kv *FileKV) load() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.loadLocked()
}

func (kv *FileKV) loadLocked() error {
	if kv.loaded {
		return nil
	}
	kv.loaded = true
	data, err := os.ReadFile(kv.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			kv.values = map[string]string{}
			return nil
		}
		return err
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	kv.values = values
	return nil
}

func (kv *FileKV) saveLocked() error {
	data, err := json.Marshal(kv.values)
	if err != nil {
		return err
	}
	dir := filepath.Dir(kv.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := kv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, kv.path)
}

// Local adapts the flat KV to the LocalStore contract. Keys are namespaced
// per owner so anonymous and authenticated sets never collide.
type Local struct {
	kv     KV
	logger Logger
	now    func() int64
}

func NewLocal(kv KV, logger Logger) *Local {
	return &Local{kv: kv, logger: logger, now: convstate.NowMillis}
}

func (l *Local) keyConversations(owner convstate.Owner) string {
	return localKeyPrefix + owner.Key() + ":conversations"
}

func (l *Local) keyOrder(owner convstate.Owner) string {
	return localKeyPrefix + owner.Key() + ":order"
}

func (l *Local) keyActive(owner convstate.Owner) string {
	return localKeyPrefix + owner.Key() + ":active"
}

func (l *Local) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

func (l *Local) Get(owner convstate.Owner) (convstate.ConversationSet, error) {
	raw, ok := l.kv.Get(l.keyConversations(owner))
	if !ok {
		return convstate.ConversationSet{}, ErrNotFound
	}
	conversations := map[string]convstate.Conversation{}
	if err := json.Unmarshal([]byte(raw), &conversations); err != nil {
		l.logf("local cache for %s is corrupt, resetting: %v", owner.Key(), err)
		conversations = map[string]convstate.Conversation{}
	}
	var order []string
	if rawOrder, ok := l.kv.Get(l.keyOrder(owner)); ok {
		if err := json.Unmarshal([]byte(rawOrder), &order); err != nil {
			l.logf("local order for %s is corrupt, rebuilding: %v", owner.Key(), err)
			order = nil
		}
	}
	active, _ := l.kv.Get(l.keyActive(owner))

	set := convstate.ConversationSet{Conversations: conversations, Order: order, ActiveID: active}
	data, err := convstate.EncodeSet(set)
	if err != nil {
		return convstate.ConversationSet{}, fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	decoded, repaired, err := convstate.DecodeSet(data, l.now())
	if err != nil {
		return convstate.ConversationSet{}, fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	if repaired {
		l.logf("local snapshot for %s repaired on load", owner.Key())
	}
	return decoded, nil
}

func (l *Local) Put(owner convstate.Owner, set convstate.ConversationSet) error {
	normalized, _ := convstate.Normalize(set, l.now())
	conversations, err := json.Marshal(normalized.Conversations)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	order, err := json.Marshal(normalized.Order)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	if err := l.kv.Set(l.keyConversations(owner), string(conversations)); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	if err := l.kv.Set(l.keyOrder(owner), string(order)); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	if err := l.kv.Set(l.keyActive(owner), normalized.ActiveID); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFatal, err)
	}
	return nil
}

func (l *Local) Delete(owner convstate.Owner, conversationID string) error {
	set, err := l.Get(owner)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if conversationID == convstate.SentinelConversationID {
		return convstate.ErrInvalidInput
	}
	delete(set.Conversations, conversationID)
	return l.Put(owner, set)
}

func (l *Local) Clear(owner convstate.Owner) error {
	for _, key := range []string{l.keyConversations(owner), l.keyOrder(owner), l.keyActive(owner)} {
		if err := l.kv.Remove(key); err != nil {
			return fmt.Errorf("%w: %v", ErrLocalFatal, err)
		}
	}
	return nil
}
