package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// settingsDebounce is how long file events are allowed to settle before
// the settings file is re-read. Editors typically produce several
// events per save.
const settingsDebounce = 500 * time.Millisecond

// Settings are the runtime-adjustable knobs read from the optional
// settings file. Absent fields leave the current value untouched.
type Settings struct {
	PollEnabled  *bool  `yaml:"poll_enabled"`
	PollInterval string `yaml:"poll_interval"`
}

// Interval parses the poll interval. ok is false when the field is
// absent or unparseable.
func (s Settings) Interval() (time.Duration, bool) {
	if s.PollInterval == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ReadSettings loads the settings file at path.
func ReadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings file: %w", err)
	}
	return s, nil
}

// WatchSettings watches the settings file and calls apply with freshly
// parsed settings after each change, debounced. The parent directory is
// watched rather than the file itself so atomic replaces by editors are
// seen. Blocks until ctx ends; an unreadable file logs a warning and
// keeps the previous settings in effect.
func WatchSettings(ctx context.Context, path string, logger *slog.Logger, apply func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching settings directory: %w", err)
	}

	target := filepath.Clean(path)
	ticker := time.NewTicker(settingsDebounce)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false

			s, err := ReadSettings(path)
			if err != nil {
				logger.Warn("ignoring unreadable settings file",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("settings file changed", slog.String("path", path))
			apply(s)
		}
	}
}
