package convstate

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrLocalFatal   = errors.New("local cache write failed")
)

// SentinelConversationID names the default conversation that always exists
// in a set and can never be deleted.
const SentinelConversationID = "everything-else"

const sentinelTitle = "Everything Else"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is immutable once created. A conversation's message list only
// grows or is filtered during merge, never edited in place.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ImageRef  string `json:"imageRef,omitempty"`
}

// Insight is auxiliary generated content attached to a conversation. The
// engine carries insights opaquely; only the id is meaningful to merge.
type Insight struct {
	ID        string `json:"id"`
	Kind      string `json:"kind,omitempty"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

type Conversation struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	GameID            string    `json:"gameId,omitempty"`
	Messages          []Message `json:"messages"`
	Insights          []Insight `json:"insights,omitempty"`
	IsPinned          bool      `json:"isPinned,omitempty"`
	PinnedAt          int64     `json:"pinnedAt,omitempty"`
	CreatedAt         int64     `json:"createdAt"`
	LastModified      int64     `json:"lastModified"`
	LastUserActivity  int64     `json:"lastUserActivity,omitempty"`
	PendingRemoteSync bool      `json:"pendingRemoteSync,omitempty"`
}

// ConversationSet is the full owner-scoped state: conversations keyed by id,
// a display order over exactly those ids, and the active conversation id.
type ConversationSet struct {
	Conversations map[string]Conversation `json:"conversations"`
	Order         []string                `json:"order"`
	ActiveID      string                  `json:"activeId"`
}

type OwnerKind string

const (
	OwnerAnonymous     OwnerKind = "anonymous"
	OwnerAuthenticated OwnerKind = "authenticated"
)

// Owner is the logical principal a ConversationSet belongs to: an anonymous
// device scope or an authenticated account.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func AnonymousOwner(deviceScope string) Owner {
	return Owner{Kind: OwnerAnonymous, ID: strings.TrimSpace(deviceScope)}
}

func AuthenticatedOwner(userID string) Owner {
	return Owner{Kind: OwnerAuthenticated, ID: strings.TrimSpace(userID)}
}

// Key returns the storage namespace for the owner. Anonymous and
// authenticated owners never collide even when the raw ids match.
func (o Owner) Key() string {
	kind := o.Kind
	if kind == "" {
		kind = OwnerAnonymous
	}
	return string(kind) + ":" + o.ID
}

func (o Owner) IsZero() bool {
	return o.ID == "" && o.Kind == ""
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewSentinel builds the always-present default conversation.
func NewSentinel(now int64) Conversation {
	return Conversation{
		ID:           SentinelConversationID,
		Title:        sentinelTitle,
		Messages:     []Message{},
		CreatedAt:    now,
		LastModified: now,
	}
}

// NewConversationSet builds an empty set containing only the sentinel.
func NewConversationSet(now int64) ConversationSet {
	sentinel := NewSentinel(now)
	return ConversationSet{
		Conversations: map[string]Conversation{SentinelConversationID: sentinel},
		Order:         []string{SentinelConversationID},
		ActiveID:      SentinelConversationID,
	}
}

// Clone returns a deep copy. Components exchange snapshots, never shared
// mutable state.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	if c.Insights != nil {
		out.Insights = append([]Insight(nil), c.Insights...)
	}
	return out
}

func (s ConversationSet) Clone() ConversationSet {
	out := ConversationSet{
		Order:    append([]string(nil), s.Order...),
		ActiveID: s.ActiveID,
	}
	out.Conversations = make(map[string]Conversation, len(s.Conversations))
	for id, conv := range s.Conversations {
		out.Conversations[id] = conv.Clone()
	}
	return out
}

// Touch records a system-driven mutation. LastModified never moves backwards
// on a single device.
func (c *Conversation) Touch(now int64) {
	if now > c.LastModified {
		c.LastModified = now
	}
}

// TouchUser records direct user input. Only user input bumps
// LastUserActivity; enrichment and other system updates use Touch.
func (c *Conversation) TouchUser(now int64) {
	c.Touch(now)
	if now > c.LastUserActivity {
		c.LastUserActivity = now
	}
}

// Get returns a copy of the conversation with the given id.
func (s ConversationSet) Get(id string) (Conversation, bool) {
	conv, ok := s.Conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return conv.Clone(), true
}

// Normalize repairs a set in place of rejecting it: the sentinel is
// re-inserted if missing, order is rebuilt as an exact permutation of the
// keys, the active id falls back to the sentinel, and duplicate message ids
// within a conversation are collapsed keeping the later timestamp. Returns
// the repaired set and whether any repair was applied.
func Normalize(s ConversationSet, now int64) (ConversationSet, bool) {
	repaired := false
	out := s.Clone()

	if out.Conversations == nil {
		out.Conversations = map[string]Conversation{}
		repaired = true
	}
	if _, ok := out.Conversations[SentinelConversationID]; !ok {
		out.Conversations[SentinelConversationID] = NewSentinel(now)
		repaired = true
	}

	for id, conv := range out.Conversations {
		if conv.ID != id {
			conv.ID = id
			repaired = true
		}
		if deduped, changed := dedupeMessages(conv.Messages); changed {
			conv.Messages = deduped
			repaired = true
		}
		if conv.Messages == nil {
			conv.Messages = []Message{}
			repaired = true
		}
		if conv.CreatedAt == 0 {
			conv.CreatedAt = now
			repaired = true
		}
		if conv.LastModified == 0 {
			conv.LastModified = conv.CreatedAt
			repaired = true
		}
		out.Conversations[id] = conv
	}

	order := make([]string, 0, len(out.Conversations))
	seen := make(map[string]struct{}, len(out.Conversations))
	for _, id := range out.Order {
		if _, ok := out.Conversations[id]; !ok {
			repaired = true
			continue
		}
		if _, dup := seen[id]; dup {
			repaired = true
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	missing := make([]string, 0)
	for id := range out.Conversations {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		order = append(order, missing...)
		repaired = true
	}
	if len(order) != len(out.Order) {
		repaired = true
	}
	out.Order = order

	if _, ok := out.Conversations[out.ActiveID]; !ok {
		out.ActiveID = SentinelConversationID
		repaired = true
	}
	return out, repaired
}

// dedupeMessages keeps message ids unique, preferring the instance with the
// later timestamp, and sorts ascending by timestamp (id as stable tiebreak).
func dedupeMessages(messages []Message) ([]Message, bool) {
	if len(messages) == 0 {
		return messages, false
	}
	byID := make(map[string]Message, len(messages))
	changed := false
	for _, msg := range messages {
		existing, ok := byID[msg.ID]
		if !ok {
			byID[msg.ID] = msg
			continue
		}
		changed = true
		if msg.Timestamp > existing.Timestamp {
			byID[msg.ID] = msg
		}
	}
	out := make([]Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if !changed {
		for i := range out {
			if out[i].ID != messages[i].ID {
				changed = true
				break
			}
		}
	}
	return out, changed
}
