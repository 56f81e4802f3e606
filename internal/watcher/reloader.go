// Package watcher schedules periodic incremental index reloads off the
// request path and watches the configuration file for changes.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dreamerlzl/markdown-qa/internal/config"
)

// Updater is the index-manager surface the reloader drives.
type Updater interface {
	IncrementalUpdate(ctx context.Context, cfg *config.Config) error
	FullRebuild(ctx context.Context, cfg *config.Config) error
}

// Reloader fires periodic incremental updates. A tick arriving while an
// update is still in flight is dropped; reloads never run concurrently.
type Reloader struct {
	updater    Updater
	cfg        *config.Config
	configPath string

	inFlight atomic.Bool
}

// NewReloader creates a reloader with the given initial configuration
// snapshot. configPath enables the optional config-file watch; empty
// disables it.
func NewReloader(updater Updater, cfg *config.Config, configPath string) *Reloader {
	return &Reloader{
		updater:    updater,
		cfg:        cfg,
		configPath: configPath,
	}
}

// Run blocks until the context is cancelled, firing an incremental update
// every reload_interval seconds.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.cfg.Server.ReloadInterval) * time.Second)
	defer ticker.Stop()

	events := r.watchConfig(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.fire(ctx, r.cfg, false)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.reloadConfig(ctx, ticker)
		}
	}
}

// fire launches one update unless one is already in flight.
func (r *Reloader) fire(ctx context.Context, cfg *config.Config, full bool) {
	if !r.inFlight.CompareAndSwap(false, true) {
		slog.Debug("reload already in flight, dropping request")
		return
	}

	go func() {
		defer r.inFlight.Store(false)

		var err error
		if full {
			err = r.updater.FullRebuild(ctx, cfg)
		} else {
			err = r.updater.IncrementalUpdate(ctx, cfg)
		}
		if err != nil && ctx.Err() == nil {
			// The previous index keeps serving; the failure is surfaced here.
			slog.Error("scheduled reload failed", slog.String("error", err.Error()))
		}
	}()
}

// watchConfig starts the optional fsnotify watch on the configuration file.
// Returns a nil channel (never ready) when watching is disabled or fails.
func (r *Reloader) watchConfig(ctx context.Context) <-chan struct{} {
	if r.configPath == "" {
		return nil
	}
	if _, err := os.Stat(r.configPath); err != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watch unavailable", slog.String("error", err.Error()))
		return nil
	}
	if err := fsw.Add(r.configPath); err != nil {
		slog.Warn("config watch unavailable", slog.String("error", err.Error()))
		fsw.Close()
		return nil
	}

	events := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return events
}

// reloadConfig rebuilds the configuration snapshot after a file change. A
// change to directories, index name, or API fields triggers a full rebuild
// with the new snapshot; an interval change retimes the ticker.
func (r *Reloader) reloadConfig(ctx context.Context, ticker *time.Ticker) {
	next, err := config.Load(r.configPath)
	if err != nil {
		slog.Warn("ignoring unreadable config change", slog.String("error", err.Error()))
		return
	}
	if err := next.Validate(); err != nil {
		slog.Warn("ignoring invalid config change", slog.String("error", err.Error()))
		return
	}

	prev := r.cfg
	r.cfg = next

	if next.Server.ReloadInterval != prev.Server.ReloadInterval {
		ticker.Reset(time.Duration(next.Server.ReloadInterval) * time.Second)
	}
	if next.Server.Port != prev.Server.Port {
		slog.Warn("server.port change requires a restart to take effect")
	}

	if next.RequiresFullRebuild(prev) {
		slog.Info("configuration changed, scheduling full rebuild")
		r.fire(ctx, next, true)
	}
}
