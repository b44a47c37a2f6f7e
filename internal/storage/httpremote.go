package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/convosync/internal/convstate"
)

const defaultRemoteTimeout = 10 * time.Second

// HTTPRemote talks to the conversation service over its JSON API. Transient
// failures (timeouts, 429, 5xx) are retried a bounded number of times within
// one call; anything left over is classified for the write coordinator's
// backoff path.
type HTTPRemote struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPRemote(baseURL, token string, httpClient *http.Client) *HTTPRemote {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return &HTTPRemote{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type remoteSetPayload struct {
	Conversations map[string]convstate.Conversation `json:"conversations"`
	Order         []string                          `json:"order,omitempty"`
	ActiveID      string                            `json:"activeId,omitempty"`
}

func (r *HTTPRemote) GetAll(ctx context.Context, owner convstate.Owner) (convstate.ConversationSet, error) {
	var out remoteSetPayload
	path := fmt.Sprintf("/v1/owners/%s/conversations", url.PathEscape(owner.Key()))
	if err := r.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return convstate.ConversationSet{}, err
	}
	set := convstate.ConversationSet{
		Conversations: out.Conversations,
		Order:         out.Order,
		ActiveID:      out.ActiveID,
	}
	normalized, _ := convstate.Normalize(set, convstate.NowMillis())
	return normalized, nil
}

func (r *HTTPRemote) Upsert(ctx context.Context, owner convstate.Owner, conv convstate.Conversation) (convstate.Conversation, error) {
	var out convstate.Conversation
	path := fmt.Sprintf("/v1/owners/%s/conversations/%s",
		url.PathEscape(owner.Key()), url.PathEscape(conv.ID))
	if err := r.doJSON(ctx, http.MethodPut, path, conv, &out); err != nil {
		return convstate.Conversation{}, err
	}
	if out.ID == "" {
		out = conv
	}
	return out, nil
}

func (r *HTTPRemote) Delete(ctx context.Context, owner convstate.Owner, conversationID string) error {
	path := fmt.Sprintf("/v1/owners/%s/conversations/%s",
		url.PathEscape(owner.Key()), url.PathEscape(conversationID))
	err := r.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && errorKind(err) == KindNotFound {
		// Deleting something already gone is a success for our purposes.
		return nil
	}
	return err
}

func (r *HTTPRemote) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func errorKind(err error) RemoteErrorKind {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return KindTransient
}

func (r *HTTPRemote) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &RemoteError{Kind: KindTransient, Message: ctx.Err().Error()}
			}
			if attempt < r.maxRetries {
				if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, "")); waitErr != nil {
					return &RemoteError{Kind: KindTransient, Message: waitErr.Error()}
				}
				continue
			}
			return &RemoteError{Kind: KindTransient, Message: err.Error()}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &RemoteError{Kind: KindTransient, Message: readErr.Error()}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < r.maxRetries {
			if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &RemoteError{Kind: KindTransient, Message: waitErr.Error()}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &RemoteError{Kind: KindAuth, StatusCode: resp.StatusCode, Message: message}
		case resp.StatusCode == http.StatusNotFound:
			return &RemoteError{Kind: KindNotFound, StatusCode: resp.StatusCode, Message: message}
		default:
			return &RemoteError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: message}
		}
	}
}

func (r *HTTPRemote) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := r.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := r.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
