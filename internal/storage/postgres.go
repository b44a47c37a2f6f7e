package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/convosync/internal/convstate"
)

const (
	postgresConversationsTable = "convosync_conversations"
	postgresTombstonesTable    = "convosync_tombstones"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRemote is a lib/pq backed RemoteStore: one row per conversation,
// keyed by owner and conversation id, with the serialized snapshot as the
// payload. Deletes leave a tombstone row: tombstoned ids are filtered from
// reads and block upserts from stale writers, until an edit newer than the
// deletion revives the id. Tombstones are never visible through the data
// model.
type PostgresRemote struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRemote(dsn string) (*PostgresRemote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresRemote{dsn: dsn, openDB: sql.Open}, nil
}

func (r *PostgresRemote) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresConversationsTable + ` (
				owner_key TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner_key, conversation_id)
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresTombstonesTable + ` (
				owner_key TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				deleted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner_key, conversation_id)
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func (r *PostgresRemote) GetAll(ctx context.Context, owner convstate.Owner) (convstate.ConversationSet, error) {
	if err := r.ensureReady(); err != nil {
		return convstate.ConversationSet{}, &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, `
		SELECT c.snapshot FROM `+postgresConversationsTable+` c
		LEFT JOIN `+postgresTombstonesTable+` t
		  ON t.owner_key = c.owner_key AND t.conversation_id = c.conversation_id
		WHERE c.owner_key = $1 AND t.conversation_id IS NULL`, owner.Key())
	if err != nil {
		return convstate.ConversationSet{}, classifyPostgresError(err)
	}
	defer rows.Close()

	conversations := map[string]convstate.Conversation{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return convstate.ConversationSet{}, classifyPostgresError(err)
		}
		var conv convstate.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil || conv.ID == "" {
			continue
		}
		conversations[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		return convstate.ConversationSet{}, classifyPostgresError(err)
	}
	if len(conversations) == 0 {
		return convstate.ConversationSet{}, ErrNotFound
	}
	set, _ := convstate.Normalize(convstate.ConversationSet{Conversations: conversations}, convstate.NowMillis())
	return set, nil
}

func (r *PostgresRemote) Upsert(ctx context.Context, owner convstate.Owner, conv convstate.Conversation) (convstate.Conversation, error) {
	if conv.ID == "" {
		return convstate.Conversation{}, convstate.ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return convstate.Conversation{}, &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return convstate.Conversation{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(opCtx, nil)
	if err != nil {
		return convstate.Conversation{}, classifyPostgresError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// An edit newer than the deletion revives the id; an older snapshot is
	// a stale writer and must not resurrect the conversation.
	if _, err := tx.ExecContext(opCtx, `
		DELETE FROM `+postgresTombstonesTable+`
		WHERE owner_key = $1 AND conversation_id = $2
		  AND deleted_at < to_timestamp($3::double precision / 1000.0)`,
		owner.Key(), conv.ID, conv.LastModified); err != nil {
		return convstate.Conversation{}, classifyPostgresError(err)
	}
	if _, err := tx.ExecContext(opCtx, `
		INSERT INTO `+postgresConversationsTable+` (owner_key, conversation_id, snapshot, updated_at)
		SELECT $1, $2, $3, NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM `+postgresTombstonesTable+`
			WHERE owner_key = $1 AND conversation_id = $2
		)
		ON CONFLICT (owner_key, conversation_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		owner.Key(), conv.ID, string(payload)); err != nil {
		return convstate.Conversation{}, classifyPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return convstate.Conversation{}, classifyPostgresError(err)
	}
	committed = true
	return conv, nil
}

func (r *PostgresRemote) Delete(ctx context.Context, owner convstate.Owner, conversationID string) error {
	if conversationID == "" {
		return convstate.ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(opCtx, nil)
	if err != nil {
		return classifyPostgresError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(opCtx,
		`DELETE FROM `+postgresConversationsTable+` WHERE owner_key = $1 AND conversation_id = $2`,
		owner.Key(), conversationID); err != nil {
		return classifyPostgresError(err)
	}
	if _, err := tx.ExecContext(opCtx, `
		INSERT INTO `+postgresTombstonesTable+` (owner_key, conversation_id, deleted_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_key, conversation_id)
		DO UPDATE SET deleted_at = NOW()`,
		owner.Key(), conversationID); err != nil {
		return classifyPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgresError(err)
	}
	committed = true
	return nil
}

func (r *PostgresRemote) Reachable(ctx context.Context) bool {
	if err := r.ensureReady(); err != nil {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return r.db.PingContext(opCtx) == nil
}

func (r *PostgresRemote) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return &RemoteError{Kind: KindTransient, Message: err.Error()}
}
