package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/convosync/internal/convstate"
)

// ChangeEvent is one out-of-band update notification from the remote
// store's feed, e.g. an enrichment process appending insight content.
type ChangeEvent struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// ChangeFeed subscribes to the remote store's per-owner websocket feed.
// The poller uses it to react to updates immediately instead of waiting
// for the next interval; the feed is best-effort and reconnects with
// capped backoff until the context ends.
type ChangeFeed struct {
	baseURL string
	token   string
	logger  Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewChangeFeed(baseURL, token string, logger Logger) *ChangeFeed {
	return &ChangeFeed{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

func (f *ChangeFeed) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

func (f *ChangeFeed) feedURL(owner convstate.Owner) string {
	return fmt.Sprintf("%s/v1/owners/%s/changes", f.baseURL, url.PathEscape(owner.Key()))
}

// Subscribe returns a channel of change events for the owner. The channel
// closes when ctx is canceled; dial failures and dropped connections retry
// in the background and never surface as errors.
func (f *ChangeFeed) Subscribe(ctx context.Context, owner convstate.Owner) <-chan ChangeEvent {
	events := make(chan ChangeEvent, 16)
	go func() {
		defer close(events)
		delay := f.baseDelay
		for {
			if err := f.readConnection(ctx, owner, events); err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logf("change feed disconnected for %s: %v", owner.Key(), err)
			}
			if waitWithContext(ctx, delay) != nil {
				return
			}
			delay *= 2
			if delay > f.maxDelay {
				delay = f.maxDelay
			}
		}
	}()
	return events
}

func (f *ChangeFeed) readConnection(ctx context.Context, owner convstate.Owner, events chan<- ChangeEvent) error {
	headers := http.Header{}
	if f.token != "" {
		headers.Set("Authorization", "Bearer "+f.token)
	}
	conn, _, err := websocket.Dial(ctx, f.feedURL(owner), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		if event.ConversationID == "" {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
