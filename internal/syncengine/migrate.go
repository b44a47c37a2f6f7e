package syncengine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
)

const migrationFlagPrefix = "convosync:migrated:"

// MigrationFlagStore remembers which owner transfers have completed, so a
// sign-in that races a crash or a retry never duplicates conversations.
type MigrationFlagStore interface {
	HasMigrated(from, to convstate.Owner) (bool, error)
	MarkMigrated(from, to convstate.Owner) error
}

type kvMigrationFlags struct {
	kv storage.KV
}

// NewKVMigrationFlags stores migration markers in the same flat cache the
// local store uses.
func NewKVMigrationFlags(kv storage.KV) MigrationFlagStore {
	return &kvMigrationFlags{kv: kv}
}

func migrationFlagKey(from, to convstate.Owner) string {
	return migrationFlagPrefix + from.Key() + "->" + to.Key()
}

func (f *kvMigrationFlags) HasMigrated(from, to convstate.Owner) (bool, error) {
	_, ok := f.kv.Get(migrationFlagKey(from, to))
	return ok, nil
}

func (f *kvMigrationFlags) MarkMigrated(from, to convstate.Owner) error {
	return f.kv.Set(migrationFlagKey(from, to), "1")
}

type MigratorOptions struct {
	Remote   storage.RemoteStore
	Local    storage.LocalStore
	Resolver *convstate.Resolver
	Flags    MigrationFlagStore
	Logger   storage.Logger

	// NewID mints replacement ids for colliding conversations. Defaults to
	// random UUIDs.
	NewID func() string
}

// Migrator transfers an anonymous device's conversations into an
// authenticated account at sign-in. The transfer is idempotent: a completed
// migration is recorded and never rerun, and a failed one can be retried
// because every remote write is an upsert.
type Migrator struct {
	remote   storage.RemoteStore
	local    storage.LocalStore
	resolver *convstate.Resolver
	flags    MigrationFlagStore
	logger   storage.Logger
	newID    func() string
}

func NewMigrator(opts MigratorOptions) (*Migrator, error) {
	if opts.Remote == nil || opts.Local == nil || opts.Flags == nil {
		return nil, convstate.ErrInvalidInput
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = convstate.NewResolver(opts.Logger)
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Migrator{
		remote:   opts.Remote,
		local:    opts.Local,
		resolver: resolver,
		flags:    opts.Flags,
		logger:   opts.Logger,
		newID:    newID,
	}, nil
}

func (m *Migrator) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Migrate merges the anonymous owner's cached conversations into the
// authenticated account, uploads the result, and clears the anonymous
// cache. Nothing is marked done until every step succeeded.
func (m *Migrator) Migrate(ctx context.Context, from, to convstate.Owner) error {
	if from.IsZero() || to.IsZero() || from == to {
		return convstate.ErrInvalidInput
	}
	done, err := m.flags.HasMigrated(from, to)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	anonSet, err := m.local.Get(from)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Nothing to carry over.
			return m.flags.MarkMigrated(from, to)
		}
		return err
	}

	remoteSet, err := m.remote.GetAll(ctx, to)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		remoteSet = convstate.NewConversationSet(convstate.NowMillis())
	}

	m.renameCollisions(&anonSet, remoteSet)

	merged := m.resolver.MergeSets(anonSet, remoteSet)
	ids := make([]string, 0, len(merged.Conversations))
	for id := range merged.Conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		conv := merged.Conversations[id]
		conv.PendingRemoteSync = false
		if _, err := m.remote.Upsert(ctx, to, conv); err != nil {
			return err
		}
		merged.Conversations[id] = conv
	}

	if err := m.local.Put(to, merged); err != nil {
		return err
	}
	if err := m.local.Clear(from); err != nil {
		return err
	}
	m.logf("migrated %d conversations from %s to %s", len(merged.Conversations), from.Key(), to.Key())
	return m.flags.MarkMigrated(from, to)
}

// renameCollisions gives an anonymous conversation a fresh id when the
// account already holds a different conversation under the same id.
// Matching creation stamps mean both sides are replicas of one
// conversation and merge instead.
func (m *Migrator) renameCollisions(anonSet *convstate.ConversationSet, remoteSet convstate.ConversationSet) {
	renames := map[string]string{}
	for id, conv := range anonSet.Conversations {
		if id == convstate.SentinelConversationID {
			continue
		}
		remoteConv, ok := remoteSet.Conversations[id]
		if !ok || remoteConv.CreatedAt == conv.CreatedAt {
			continue
		}
		renames[id] = m.newID()
	}
	for oldID, newID := range renames {
		conv := anonSet.Conversations[oldID]
		conv.ID = newID
		delete(anonSet.Conversations, oldID)
		anonSet.Conversations[newID] = conv
		for i, id := range anonSet.Order {
			if id == oldID {
				anonSet.Order[i] = newID
			}
		}
		if anonSet.ActiveID == oldID {
			anonSet.ActiveID = newID
		}
		m.logf("conversation id %s collides with the account, renamed to %s", oldID, newID)
	}
}
