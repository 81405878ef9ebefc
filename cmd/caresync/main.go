package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carebridge/caresync/internal/config"
	"github.com/carebridge/caresync/internal/fallback"
	"github.com/carebridge/caresync/internal/logging"
	"github.com/carebridge/caresync/internal/realtime"
	"github.com/carebridge/caresync/internal/session"
	"github.com/carebridge/caresync/internal/status"
)

var Version = "dev"

const refetchTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("caresync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerHost),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := session.Open(cfg.CachePath(), cfg.CachePassphrase, logger)
	if err != nil {
		return fmt.Errorf("opening session cache: %w", err)
	}
	defer store.Close()

	rec := restoreSession(cfg, store, logger)
	if removed, err := store.CleanupExpired(cfg.SessionTimeout); err != nil {
		logger.Warn("session cleanup failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("expired sessions removed", slog.Int("count", removed))
	}

	saver := session.NewAutosaver(store, rec, cfg.AutosaveInterval, logger)
	defer func() {
		if err := saver.Close(); err != nil {
			logger.Warn("final session save failed", slog.String("error", err.Error()))
		}
	}()

	coord := fallback.New(refetcher(cfg), fallback.Config{
		Resources:    topicResources(),
		PollEnabled:  cfg.PollEnabled,
		PollInterval: cfg.PollInterval,
	}, logger)
	if mark, ok := store.LastSyncMark(); ok {
		coord.MarkSynced(mark)
	}
	// Registered before coord.Close and manager.Close so the mark is
	// persisted only after the last MarkSynced call.
	defer func() {
		if mark := coord.State().LastSyncedAt; !mark.IsZero() {
			if err := store.SaveSyncMark(mark); err != nil {
				logger.Warn("persisting sync mark failed", slog.String("error", err.Error()))
			}
		}
	}()
	defer coord.Close()

	machine := status.NewMachine(logger)
	transport := realtime.NewWSTransport(cfg.ServerHost, cfg.AuthToken, logger)
	manager := realtime.NewManager(transport, machine, logger)
	defer manager.Close()

	removeObserver := machine.AddObserver(coord.OnStatus)
	defer removeObserver()
	manager.OnSynced(coord.MarkSynced)

	if _, err := manager.Subscribe(ctx, subscriptionConfig(cfg, logger)); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.SettingsFile != "" {
		g.Go(func() error {
			return watchSettings(gctx, cfg, coord, logger)
		})
	}

	<-gctx.Done()
	logger.Info("caresync shutting down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restoreSession recovers the cached conversation, dropping sessions
// that sat idle past the configured timeout.
func restoreSession(cfg *config.Config, store *session.Store, logger *slog.Logger) *session.ConversationRecord {
	rec, restored := store.Restore()
	if restored && rec.Expired(cfg.SessionTimeout) {
		logger.Info("cached session expired, starting fresh",
			slog.String("session_id", rec.SessionID))
		store.Clear(rec.SessionID)
		return session.NewRecord("")
	}
	if restored {
		logger.Info("conversation restored",
			slog.String("session_id", rec.SessionID),
			slog.Int("messages", len(rec.Messages)))
	} else {
		logger.Info("starting fresh session", slog.String("session_id", rec.SessionID))
	}
	return rec
}

func subscriptionConfig(cfg *config.Config, logger *slog.Logger) realtime.Config {
	callbacks := make(map[realtime.Topic]func(realtime.ChangeEvent))
	for _, topic := range realtime.Topics() {
		callbacks[topic] = logChange(logger)
	}
	return realtime.Config{
		OwnerID:   cfg.UserID,
		Callbacks: callbacks,
		Retry: realtime.RetryPolicy{
			Enabled:    cfg.EnableRetry,
			Interval:   cfg.RetryInterval,
			MaxRetries: cfg.MaxRetries,
		},
		OnStatus: func(s status.Status) {
			logger.Info("connection status", slog.String("status", s.String()))
		},
	}
}

func logChange(logger *slog.Logger) func(realtime.ChangeEvent) {
	return func(ev realtime.ChangeEvent) {
		logger.Debug("change received",
			slog.String("topic", string(ev.Topic)),
			slog.String("type", string(ev.Type)),
			slog.Time("ts", ev.Timestamp))
	}
}

func topicResources() []string {
	topics := realtime.Topics()
	resources := make([]string, len(topics))
	for i, topic := range topics {
		resources[i] = string(topic)
	}
	return resources
}

// refetcher builds the invalidate-and-refetch boundary: one GET per
// logical resource against the data service, forcing its server-side
// view to be recomputed.
func refetcher(cfg *config.Config) fallback.Invalidator {
	client := &http.Client{Timeout: refetchTimeout}
	return func(ctx context.Context, resource string) error {
		endpoint := fmt.Sprintf("https://%s/v1/%s?owner=%s",
			cfg.ServerHost, resource, url.QueryEscape(cfg.UserID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("building refetch request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("refetching %s: %w", resource, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("refetching %s: unexpected status %d", resource, resp.StatusCode)
		}
		return nil
	}
}

// watchSettings applies runtime settings-file changes to the fallback
// coordinator.
func watchSettings(ctx context.Context, cfg *config.Config, coord *fallback.Coordinator, logger *slog.Logger) error {
	return config.WatchSettings(ctx, cfg.SettingsFile, logger, func(s config.Settings) {
		enabled := coord.State().PollEnabled
		if s.PollEnabled != nil {
			enabled = *s.PollEnabled
		}
		interval, _ := s.Interval()
		coord.SetPolling(enabled, interval)
		logger.Info("polling settings applied",
			slog.Bool("enabled", enabled),
			slog.Duration("interval", coord.State().PollInterval))
	})
}
