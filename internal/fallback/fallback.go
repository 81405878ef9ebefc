// Package fallback keeps client data fresh when push delivery is
// degraded, by polling an invalidate-and-refetch boundary until the
// push channels recover.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/caresync/internal/status"
)

const defaultPollInterval = 30 * time.Second

// Invalidator marks one logical resource stale and triggers its refetch.
// Implementations live outside this package; the coordinator only
// decides when to call them.
type Invalidator func(ctx context.Context, resource string) error

// SyncState is a snapshot of the coordinator's bookkeeping.
type SyncState struct {
	LastSyncedAt time.Time
	PollEnabled  bool
	PollInterval time.Duration
}

// Config sets up a Coordinator.
type Config struct {
	// Resources are the logical resources refreshed on every poll.
	Resources []string
	// PollEnabled turns the degraded-mode poll loop on.
	PollEnabled bool
	// PollInterval bounds staleness while degraded. Zero means the
	// default.
	PollInterval time.Duration
}

// Coordinator watches the aggregate connection status and polls while
// the status is anything but Connected. Refreshes are coalesced: while
// one is in flight, further poll ticks and manual refreshes are no-ops.
type Coordinator struct {
	invalidate Invalidator
	logger     *slog.Logger
	resources  []string

	mu         sync.Mutex
	lastSynced time.Time
	enabled    bool
	interval   time.Duration
	degraded   bool
	refreshing bool
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
	closed     bool
}

func New(invalidate Invalidator, cfg Config, logger *slog.Logger) *Coordinator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Coordinator{
		invalidate: invalidate,
		logger:     logger,
		resources:  cfg.Resources,
		enabled:    cfg.PollEnabled,
		interval:   interval,
	}
}

// OnStatus reacts to aggregate status changes. Register it as a status
// observer. Recovery cancels the poll loop immediately; degradation
// starts it when polling is enabled.
func (c *Coordinator) OnStatus(s status.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = s != status.Connected
	c.reconcileLocked()
}

// SetPolling adjusts the poll policy at runtime. A non-positive interval
// keeps the current one.
func (c *Coordinator) SetPolling(enabled bool, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if interval > 0 && interval != c.interval {
		c.interval = interval
		// Restart the loop so the new interval takes effect.
		if c.stopPoll != nil {
			c.stopPoll()
			c.stopPoll, c.pollDone = nil, nil
		}
	}
	c.reconcileLocked()
}

// reconcileLocked starts or stops the poll loop to match the current
// state. Caller holds c.mu.
func (c *Coordinator) reconcileLocked() {
	shouldRun := c.degraded && c.enabled && !c.closed
	running := c.stopPoll != nil
	if shouldRun == running {
		return
	}
	if !shouldRun {
		c.stopPoll()
		c.stopPoll, c.pollDone = nil, nil
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stopPoll, c.pollDone = cancel, done
	c.logger.Info("push degraded, polling for changes",
		slog.Duration("interval", c.interval))
	go c.poll(ctx, c.interval, done)
}

func (c *Coordinator) poll(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("poll refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RefreshNow runs a user-initiated refresh and reports its outcome.
// Returns nil without doing anything when a refresh is already in
// flight.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.refreshing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	for _, resource := range c.resources {
		if err := c.invalidate(ctx, resource); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("refreshing %s: %w", resource, err)
		}
	}
	c.MarkSynced(time.Now())
	c.logger.Debug("refresh complete", slog.Int("resources", len(c.resources)))
	return nil
}

// MarkSynced records a successful sync at t. Earlier times never move
// the mark backwards.
func (c *Coordinator) MarkSynced(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastSynced) {
		c.lastSynced = t
	}
}

func (c *Coordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SyncState{
		LastSyncedAt: c.lastSynced,
		PollEnabled:  c.enabled,
		PollInterval: c.interval,
	}
}

// Close stops the poll loop and waits for it to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	done := c.pollDone
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll, c.pollDone = nil, nil
	}
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
