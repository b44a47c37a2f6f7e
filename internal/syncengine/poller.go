package syncengine

import (
	"context"
	"time"

	"github.com/agentworkforce/convosync/internal/convstate"
	"github.com/agentworkforce/convosync/internal/storage"
)

const DefaultPollInterval = 60 * time.Second

// Refresher is the slice of the coordinator the poller drives.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type PollerOptions struct {
	Interval  time.Duration
	Refresher Refresher
	Logger    storage.Logger

	// CacheEvents signals that another process touched the cache file
	// (a CacheWatcher's Events channel). Optional.
	CacheEvents <-chan struct{}

	// ChangeEvents carries remote change notifications (a ChangeFeed
	// subscription). Optional.
	ChangeEvents <-chan storage.ChangeEvent
}

// Poller refreshes the coordinator on a fixed interval and, when wired,
// immediately on cache or remote change notifications. This is how insight
// content produced by background enrichment shows up without a reload.
type Poller struct {
	interval     time.Duration
	refresher    Refresher
	logger       storage.Logger
	cacheEvents  <-chan struct{}
	changeEvents <-chan storage.ChangeEvent
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Refresher == nil {
		return nil, convstate.ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval:     interval,
		refresher:    opts.Refresher,
		logger:       opts.Logger,
		cacheEvents:  opts.CacheEvents,
		changeEvents: opts.ChangeEvents,
	}, nil
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// Run blocks until ctx ends, refreshing on every tick or notification.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	cacheEvents := p.cacheEvents
	changeEvents := p.changeEvents
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-cacheEvents:
			if !ok {
				cacheEvents = nil
				continue
			}
		case event, ok := <-changeEvents:
			if !ok {
				changeEvents = nil
				continue
			}
			p.logf("remote change for %s (%s)", event.ConversationID, event.Kind)
		}
		if err := p.refresher.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logf("refresh failed: %v", err)
		}
	}
}
