package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/convosync/internal/convstate"
)

func TestHTTPRemoteGetAll(t *testing.T) {
	owner := convstate.AuthenticatedOwner("u1")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(remoteSetPayload{
			Conversations: map[string]convstate.Conversation{
				"c1": {ID: "c1", Title: "t", CreatedAt: 1, LastModified: 2, Messages: []convstate.Message{}},
			},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "tok", nil)
	set, err := remote.GetAll(context.Background(), owner)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if _, ok := set.Conversations["c1"]; !ok {
		t.Fatalf("missing conversation: %+v", set.Conversations)
	}
	if _, ok := set.Conversations[convstate.SentinelConversationID]; !ok {
		t.Fatalf("remote load should normalize in the sentinel")
	}
}

func TestHTTPRemoteRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(convstate.Conversation{ID: "c1"})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "tok", nil)
	remote.baseDelay = time.Millisecond
	_, err := remote.Upsert(context.Background(), convstate.AuthenticatedOwner("u"), convstate.Conversation{ID: "c1"})
	if err != nil {
		t.Fatalf("upsert should succeed after retries: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPRemoteClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"auth", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"missing", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusBadGateway, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			remote := NewHTTPRemote(server.URL, "tok", nil)
			remote.maxRetries = 0
			_, err := remote.GetAll(context.Background(), convstate.AuthenticatedOwner("u"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestHTTPRemoteDeleteTreatsMissingAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "tok", nil)
	if err := remote.Delete(context.Background(), convstate.AuthenticatedOwner("u"), "gone"); err != nil {
		t.Fatalf("deleting an absent conversation should be idempotent: %v", err)
	}
}

func TestHTTPRemoteReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	remote := NewHTTPRemote(server.URL, "tok", nil)
	if !remote.Reachable(context.Background()) {
		t.Fatalf("expected reachable")
	}
	server.Close()
	if remote.Reachable(context.Background()) {
		t.Fatalf("expected unreachable after server close")
	}
}
