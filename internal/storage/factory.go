package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RemoteStoreFactory func(dsn, token string) (RemoteStore, error)

var remoteFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RemoteStoreFactory
}{
	factories: map[string]RemoteStoreFactory{},
}

// RegisterRemoteStoreFactory lets embedders claim a DSN scheme before the
// built-in mapping is consulted.
func RegisterRemoteStoreFactory(scheme string, factory RemoteStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	remoteFactoryRegistry.mu.Lock()
	defer remoteFactoryRegistry.mu.Unlock()
	remoteFactoryRegistry.factories[scheme] = factory
}

func lookupRemoteStoreFactory(scheme string) (RemoteStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	remoteFactoryRegistry.mu.RLock()
	defer remoteFactoryRegistry.mu.RUnlock()
	factory, ok := remoteFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildRemoteStoreFromDSN maps a DSN to a RemoteStore: https/http to the
// JSON API client, postgres to lib/pq, memory to the in-memory store.
func BuildRemoteStoreFromDSN(dsn, token string) (RemoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRemoteStoreFactory(scheme); ok {
		return factory(dsn, token)
	}
	switch scheme {
	case "http", "https":
		return NewHTTPRemote(dsn, token, nil), nil
	case "postgres", "postgresql":
		return NewPostgresRemote(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryRemote(), nil
	default:
		return nil, fmt.Errorf("unsupported remote store scheme: %s", scheme)
	}
}

// BuildLocalStoreFromDSN maps a DSN to a LocalStore: a bare path or file://
// to the JSON file cache, memory to the in-memory cache.
func BuildLocalStoreFromDSN(dsn string, logger Logger) (LocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch normalizeScheme(parsed.Scheme) {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		kv, err := NewFileKV(path)
		if err != nil {
			return nil, err
		}
		return NewLocal(kv, logger), nil
	case "memory", "mem", "inmem":
		return NewLocal(NewMemoryKV(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported local cache scheme: %s", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in %s", ErrInvalidDSN, raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
