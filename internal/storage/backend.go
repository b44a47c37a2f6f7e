package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/convosync/internal/convstate"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("remote unavailable")
	ErrAuth        = errors.New("authentication required")
	ErrLocalFatal  = errors.New("local cache write failed")
	ErrInvalidDSN  = errors.New("invalid storage dsn")
)

// Logger matches the subset of *log.Logger the package needs.
type Logger interface {
	Printf(format string, args ...any)
}

type RemoteErrorKind string

const (
	KindTransient RemoteErrorKind = "transient"
	KindAuth      RemoteErrorKind = "auth"
	KindNotFound  RemoteErrorKind = "not_found"
)

// RemoteError classifies a failed remote call. Transient failures are
// retried by the write coordinator; auth failures surface to the UI.
type RemoteError struct {
	Kind       RemoteErrorKind
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindAuth:
		return target == ErrAuth
	case KindNotFound:
		return target == ErrNotFound
	default:
		return target == ErrUnavailable
	}
}

// RemoteStore is the durable multi-tenant store. Calls may fail transiently
// or hang; every call takes a context and Upsert is idempotent.
type RemoteStore interface {
	GetAll(ctx context.Context, owner convstate.Owner) (convstate.ConversationSet, error)
	Upsert(ctx context.Context, owner convstate.Owner, conv convstate.Conversation) (convstate.Conversation, error)
	Delete(ctx context.Context, owner convstate.Owner, conversationID string) error
	Reachable(ctx context.Context) bool
}

// LocalStore is the synchronous always-available cache scoped to the
// device profile. Get never fails except with ErrNotFound; a failing Put is
// ErrLocalFatal (quota and the like).
type LocalStore interface {
	Get(owner convstate.Owner) (convstate.ConversationSet, error)
	Put(owner convstate.Owner, set convstate.ConversationSet) error
	Delete(owner convstate.Owner, conversationID string) error
	Clear(owner convstate.Owner) error
}
