package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch lets a burst of file events settle
// before reloading.
const DefaultDebounce = 250 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
}

// WithDebounce sets the settle time between the last file event and the
// reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// Watch reloads the definitions file at path whenever it changes and passes
// each new Config to apply until ctx is cancelled.
//
// The containing directory is watched, so saves that replace the file are
// picked up. Content identical to the last applied version is skipped. A
// file that fails to parse or validate is logged and never reaches apply;
// an error from apply is logged and does not stop the watch.
func Watch(ctx context.Context, path string, apply func(*Config) error, opts ...WatchOption) error {
	o := watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}

	var applied [sha256.Size]byte
	if data, err := os.ReadFile(abs); err == nil {
		applied = sha256.Sum256(data)
	}

	settle := time.NewTimer(o.debounce)
	settle.Stop()
	defer settle.Stop()

	slog.Info("config: watching for changes", "path", abs, "debounce", o.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				settle.Reset(o.debounce)
			}

		case <-settle.C:
			data, err := os.ReadFile(abs)
			if err != nil {
				slog.Warn("config: reload read failed", "path", abs, "err", err)
				continue
			}
			sum := sha256.Sum256(data)
			if sum == applied {
				slog.Debug("config: file unchanged, reload skipped", "path", abs)
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				slog.Error("config: reload failed, keeping previous definitions",
					"path", abs, "err", err)
				continue
			}
			applied = sum
			if err := apply(cfg); err != nil {
				slog.Error("config: reloaded definitions partly rejected", "path", abs, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", abs,
				"rules", len(cfg.Rules),
				"thresholds", len(cfg.Thresholds),
				"policies", len(cfg.Policies),
				"schedules", len(cfg.Schedules),
			)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
