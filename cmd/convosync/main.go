package main

import (
	"context"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
	"github.com/agentworkforce/convosync/internal/syncengine"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	remoteDSN := flag.String("remote-dsn", envOrDefault("CONVOSYNC_REMOTE_DSN", "http://127.0.0.1:8080"), "remote store DSN (http/https/postgres/memory)")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CONVOSYNC_TOKEN")), "bearer token")
	cachePath := flag.String("cache-file", envOrDefault("CONVOSYNC_CACHE_FILE", defaultCachePath()), "local cache file path")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("CONVOSYNC_USER_ID")), "authenticated user id (empty = anonymous)")
	deviceScope := flag.String("device-scope", envOrDefault("CONVOSYNC_DEVICE_SCOPE", "default"), "anonymous device scope")
	pollInterval := flag.Duration("poll-interval", durationEnv("CONVOSYNC_POLL_INTERVAL", syncengine.DefaultPollInterval), "background refresh interval")
	debounce := flag.Duration("debounce", durationEnv("CONVOSYNC_WRITE_DEBOUNCE", syncengine.DefaultDebounce), "write debounce window")
	once := flag.Bool("once", false, "load, flush, and exit")
	flag.Parse()

	owner := convstate.AnonymousOwner(*deviceScope)
	if *userID != "" {
		owner = convstate.AuthenticatedOwner(*userID)
	}

	remote, err := storage.BuildRemoteStoreFromDSN(*remoteDSN, *token)
	if err != nil {
		log.Fatalf("failed to build remote store: %v", err)
	}
	kv, err := storage.NewFileKV(*cachePath)
	if err != nil {
		log.Fatalf("failed to open cache file %s: %v", *cachePath, err)
	}
	local := storage.NewLocal(kv, log.Default())

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A signed-in user inherits whatever this device collected before.
	if *userID != "" {
		migrator, err := syncengine.NewMigrator(syncengine.MigratorOptions{
			Remote: remote,
			Local:  local,
			Flags:  syncengine.NewKVMigrationFlags(kv),
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to build migrator: %v", err)
		}
		if err := migrator.Migrate(rootCtx, convstate.AnonymousOwner(*deviceScope), owner); err != nil {
			log.Printf("identity migration deferred: %v", err)
		}
	}

	coord, err := syncengine.NewSyncCoordinator(syncengine.Options{
		Remote:   remote,
		Local:    local,
		Owner:    owner,
		Logger:   log.Default(),
		Debounce: *debounce,
	})
	if err != nil {
		log.Fatalf("failed to build sync coordinator: %v", err)
	}
	defer coord.Close()

	set, err := coord.Load(rootCtx)
	if err != nil {
		log.Fatalf("failed to load conversations: %v", err)
	}
	log.Printf("loaded %d conversations for %s (state %s)", len(set.Conversations), owner.Key(), coord.State())

	if *once {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Flush(flushCtx); err != nil {
			log.Printf("flush incomplete: %v", err)
		}
		return
	}

	go func() {
		for event := range coord.Events() {
			switch event.Kind {
			case syncengine.EventDegraded:
				log.Printf("remote unavailable, serving from cache: %v", event.Err)
			case syncengine.EventRecovered:
				log.Printf("remote connection restored")
			case syncengine.EventAuthRequired:
				log.Printf("authentication required: %v", event.Err)
			case syncengine.EventLocalFatal:
				log.Printf("local cache failure: %v", event.Err)
			}
		}
	}()

	var cacheEvents <-chan struct{}
	watcher, err := storage.NewCacheWatcher(kv.Path(), log.Default())
	if err != nil {
		log.Printf("cache watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
		cacheEvents = watcher.Events()
	}

	var changeEvents <-chan storage.ChangeEvent
	if feedURL := websocketURL(*remoteDSN); feedURL != "" {
		feed := storage.NewChangeFeed(feedURL, *token, log.Default())
		changeEvents = feed.Subscribe(rootCtx, owner)
	}

	poller, err := syncengine.NewPoller(syncengine.PollerOptions{
		Interval:     *pollInterval,
		Refresher:    coord,
		Logger:       log.Default(),
		CacheEvents:  cacheEvents,
		ChangeEvents: changeEvents,
	})
	if err != nil {
		log.Fatalf("failed to build poller: %v", err)
	}

	poller.Run(rootCtx)

	log.Printf("shutting down, flushing pending writes")
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Flush(flushCtx); err != nil {
		log.Printf("flush on shutdown incomplete: %v", err)
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "convosync-cache.json"
	}
	return filepath.Join(home, ".convosync", "cache.json")
}

// websocketURL derives the change feed endpoint from an HTTP remote DSN.
// Non-HTTP remotes have no feed.
func websocketURL(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return ""
	}
	return parsed.String()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
