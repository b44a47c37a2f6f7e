package convstate

import (
	"sort"
	"time"
)

// Logger matches the subset of *log.Logger the package needs.
type Logger interface {
	Printf(format string, args ...any)
}

const DefaultActiveWindow = 30 * time.Second

// Resolver merges divergent local and remote snapshots of the same
// conversation without losing messages. Conversation-level fields follow the
// authoritative side; message lists are always unioned.
type Resolver struct {
	// ActiveWindow protects an actively typing user: while the local
	// snapshot's user activity is this recent (and newer than remote's),
	// local wins conversation-level fields regardless of lastModified.
	ActiveWindow time.Duration
	Logger       Logger
	Now          func() time.Time
}

func NewResolver(logger Logger) *Resolver {
	return &Resolver{
		ActiveWindow: DefaultActiveWindow,
		Logger:       logger,
		Now:          time.Now,
	}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) activeWindow() time.Duration {
	if r.ActiveWindow > 0 {
		return r.ActiveWindow
	}
	return DefaultActiveWindow
}

func (r *Resolver) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// MergeConversation produces one conversation from a local and a remote
// snapshot sharing an id. The result contains the union of both message
// lists and lastModified = max(local, remote).
func (r *Resolver) MergeConversation(local, remote Conversation) Conversation {
	authoritative, other := remote, local
	if r.localAuthoritative(local, remote) {
		authoritative, other = local, remote
	}

	merged := authoritative.Clone()
	merged.Messages = r.mergeMessages(authoritative.ID, local.Messages, remote.Messages)
	merged.Insights = mergeInsights(authoritative.Insights, other.Insights)
	if other.CreatedAt > 0 && (merged.CreatedAt == 0 || other.CreatedAt < merged.CreatedAt) {
		merged.CreatedAt = other.CreatedAt
	}
	if other.LastModified > merged.LastModified {
		merged.LastModified = other.LastModified
	}
	if other.LastUserActivity > merged.LastUserActivity {
		merged.LastUserActivity = other.LastUserActivity
	}
	// A dirty input stays dirty: the flag only clears once the merged
	// result has been confirmed by the remote.
	merged.PendingRemoteSync = local.PendingRemoteSync || remote.PendingRemoteSync
	return merged
}

// localAuthoritative decides which side wins conversation-level fields
// (title, pin state, game scope, insights base).
func (r *Resolver) localAuthoritative(local, remote Conversation) bool {
	nowMs := r.now().UnixMilli()
	window := r.activeWindow().Milliseconds()
	if local.LastUserActivity > 0 &&
		nowMs-local.LastUserActivity <= window &&
		local.LastUserActivity > remote.LastUserActivity {
		return true
	}
	if local.LastModified != remote.LastModified {
		return local.LastModified > remote.LastModified
	}
	// Equal lastModified: prefer the side carrying more messages.
	return len(local.Messages) > len(remote.Messages)
}

func (r *Resolver) mergeMessages(conversationID string, local, remote []Message) []Message {
	byID := make(map[string]Message, len(local)+len(remote))
	for _, msg := range local {
		byID[msg.ID] = msg
	}
	for _, msg := range remote {
		existing, ok := byID[msg.ID]
		if !ok {
			byID[msg.ID] = msg
			continue
		}
		if existing.Text != msg.Text || existing.Role != msg.Role || existing.Timestamp != msg.Timestamp {
			// Same id, different content. The emitter misbehaved; keep the
			// later timestamp and record the anomaly.
			r.logf("conversation %s: message %s diverged across replicas; keeping later timestamp", conversationID, msg.ID)
			if msg.Timestamp > existing.Timestamp {
				byID[msg.ID] = msg
			}
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
	return out
}

// mergeInsights keeps the authoritative side's insights and unions in any id
// only the other side has.
func mergeInsights(authoritative, other []Insight) []Insight {
	if len(other) == 0 {
		return append([]Insight(nil), authoritative...)
	}
	seen := make(map[string]struct{}, len(authoritative))
	out := append([]Insight(nil), authoritative...)
	for _, ins := range authoritative {
		seen[ins.ID] = struct{}{}
	}
	for _, ins := range other {
		if _, ok := seen[ins.ID]; ok {
			continue
		}
		out = append(out, ins)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// MergeSets reconciles two full sets per conversation id. Ids present on one
// side only are carried over unchanged; shared ids go through
// MergeConversation. The ordering of the side with the most recent overall
// modification wins, with the other side's extra ids appended.
func (r *Resolver) MergeSets(local, remote ConversationSet) ConversationSet {
	merged := ConversationSet{Conversations: map[string]Conversation{}}

	for id, localConv := range local.Conversations {
		if remoteConv, ok := remote.Conversations[id]; ok {
			merged.Conversations[id] = r.MergeConversation(localConv, remoteConv)
		} else {
			merged.Conversations[id] = localConv.Clone()
		}
	}
	for id, remoteConv := range remote.Conversations {
		if _, ok := merged.Conversations[id]; !ok {
			merged.Conversations[id] = remoteConv.Clone()
		}
	}

	primary, secondary := remote, local
	if latestModification(local) > latestModification(remote) {
		primary, secondary = local, remote
	}
	seen := make(map[string]struct{}, len(merged.Conversations))
	for _, id := range primary.Order {
		if _, ok := merged.Conversations[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged.Order = append(merged.Order, id)
	}
	for _, id := range secondary.Order {
		if _, ok := merged.Conversations[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged.Order = append(merged.Order, id)
	}

	merged.ActiveID = primary.ActiveID
	if _, ok := merged.Conversations[merged.ActiveID]; !ok {
		merged.ActiveID = secondary.ActiveID
	}

	normalized, _ := Normalize(merged, r.now().UnixMilli())
	return normalized
}

func latestModification(s ConversationSet) int64 {
	var latest int64
	for _, conv := range s.Conversations {
		if conv.LastModified > latest {
			latest = conv.LastModified
		}
	}
	return latest
}
