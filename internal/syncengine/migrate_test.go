package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
)

func newTestMigrator(t *testing.T, remote storage.RemoteStore, local storage.LocalStore, kv storage.KV) *Migrator {
	t.Helper()
	var counter int
	migrator, err := NewMigrator(MigratorOptions{
		Remote: remote,
		Local:  local,
		Flags:  NewKVMigrationFlags(kv),
		NewID: func() string {
			counter++
			return fmt.Sprintf("renamed-%d", counter)
		},
	})
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}
	return migrator
}

func TestMigrateTransfersToEmptyAccount(t *testing.T) {
	anon := convstate.AnonymousOwner("device-1")
	user := convstate.AuthenticatedOwner("u1")
	remote := storage.NewMemoryRemote()
	kv := storage.NewMemoryKV()
	local := storage.NewLocal(kv, nil)
	seedLocal(t, local, anon, draft("c1", "pre-signin", 100), draft("c2", "also mine", 200))

	migrator := newTestMigrator(t, remote, local, kv)
	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, id := range []string{"c1", "c2"} {
		if _, ok := remoteConversation(t, remote, user, id); !ok {
			t.Fatalf("conversation %s never reached the account", id)
		}
	}
	userSet, err := local.Get(user)
	if err != nil {
		t.Fatalf("local get user: %v", err)
	}
	if _, ok := userSet.Conversations["c1"]; !ok {
		t.Fatalf("account cache missing migrated conversation")
	}
	if _, err := local.Get(anon); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("anonymous cache should be cleared, got %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	anon := convstate.AnonymousOwner("device-1")
	user := convstate.AuthenticatedOwner("u1")
	remote := storage.NewMemoryRemote()
	kv := storage.NewMemoryKV()
	local := storage.NewLocal(kv, nil)
	seedLocal(t, local, anon, draft("c1", "once", 100))

	migrator := newTestMigrator(t, remote, local, kv)
	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	upserts := remote.UpsertCount()

	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if got := remote.UpsertCount(); got != upserts {
		t.Fatalf("rerun performed %d extra upserts", got-upserts)
	}
}

func TestMigrateMergesSharedConversation(t *testing.T) {
	anon := convstate.AnonymousOwner("device-1")
	user := convstate.AuthenticatedOwner("u1")
	remote := storage.NewMemoryRemote()
	kv := storage.NewMemoryKV()
	local := storage.NewLocal(kv, nil)

	// Same conversation on both sides (matching creation stamp), each with
	// a message the other lacks.
	accountCopy := draft("c1", "shared", 100)
	accountCopy.Messages = []convstate.Message{{ID: "m1", Role: convstate.RoleUser, Text: "hello", Timestamp: 110}}
	if _, err := remote.Upsert(context.Background(), user, accountCopy); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	deviceCopy := draft("c1", "shared", 100)
	deviceCopy.Messages = []convstate.Message{{ID: "m2", Role: convstate.RoleUser, Text: "hi again", Timestamp: 120}}
	deviceCopy.LastModified = 120
	seedLocal(t, local, anon, deviceCopy)

	migrator := newTestMigrator(t, remote, local, kv)
	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	conv, ok := remoteConversation(t, remote, user, "c1")
	if !ok {
		t.Fatalf("merged conversation missing")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("merge lost messages: %+v", conv.Messages)
	}
}

func TestMigrateRenamesCollidingIDs(t *testing.T) {
	anon := convstate.AnonymousOwner("device-1")
	user := convstate.AuthenticatedOwner("u1")
	remote := storage.NewMemoryRemote()
	kv := storage.NewMemoryKV()
	local := storage.NewLocal(kv, nil)

	// Same id, different creation stamps: two distinct conversations.
	if _, err := remote.Upsert(context.Background(), user, draft("c1", "the account's", 100)); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	seedLocal(t, local, anon, draft("c1", "the device's", 999))

	migrator := newTestMigrator(t, remote, local, kv)
	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	original, ok := remoteConversation(t, remote, user, "c1")
	if !ok || original.Title != "the account's" {
		t.Fatalf("account conversation was overwritten: %+v", original)
	}
	renamed, ok := remoteConversation(t, remote, user, "renamed-1")
	if !ok || renamed.Title != "the device's" {
		t.Fatalf("device conversation was not carried over under a new id: %+v", renamed)
	}
}

func TestMigrateFailureIsRetryable(t *testing.T) {
	anon := convstate.AnonymousOwner("device-1")
	user := convstate.AuthenticatedOwner("u1")
	remote := storage.NewMemoryRemote()
	kv := storage.NewMemoryKV()
	local := storage.NewLocal(kv, nil)
	seedLocal(t, local, anon, draft("c1", "fragile", 100))

	remote.UpsertErr = func(conv convstate.Conversation) error {
		return &storage.RemoteError{Kind: storage.KindTransient, Message: "down"}
	}
	migrator := newTestMigrator(t, remote, local, kv)
	if err := migrator.Migrate(context.Background(), anon, user); err == nil {
		t.Fatalf("expected migrate to fail while remote is down")
	}

	// Nothing was marked done and the device cache is intact.
	if _, err := local.Get(anon); err != nil {
		t.Fatalf("anonymous cache must survive a failed migration: %v", err)
	}

	remote.UpsertErr = nil
	if err := migrator.Migrate(context.Background(), anon, user); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if _, ok := remoteConversation(t, remote, user, "c1"); !ok {
		t.Fatalf("retry did not complete the transfer")
	}
}
