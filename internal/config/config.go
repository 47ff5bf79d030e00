// Package config loads the pipeline wiring files, subscriptions.json and
// routes.json, and hot-reloads them in service mode. A reload swaps both
// files in together; stages reading through Store.Current never observe a
// half-applied update, and a failed reload keeps the previous good
// configuration in place.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/router"
)

// File names expected inside the config directory. Only the wiring
// files are hot-reloaded; dedupe tuning and the public portal policy
// are read once at startup.
const (
	SubscriptionsFile = "subscriptions.json"
	RoutesFile        = "routes.json"
	DedupeFile        = "dedupe.json"
	PublicPortalFile  = "public_portal.json"
)

// debounceWindow folds the burst of fsnotify events an editor save or
// atomic rename emits into a single reload.
const debounceWindow = 200 * time.Millisecond

// Pipeline is one immutable, consistent view of the wiring files.
type Pipeline struct {
	Subscriptions []filter.Subscription
	Routes        router.Config
}

// Store owns the current Pipeline and replaces it wholesale on reload.
type Store struct {
	dir     string
	logger  *zap.Logger
	current atomic.Pointer[Pipeline]
}

// NewStore loads both wiring files from dir. Invalid files at startup are
// fatal; reload failures later only keep the previous configuration.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the latest good Pipeline.
func (s *Store) Current() *Pipeline {
	return s.current.Load()
}

// Reload re-reads both wiring files and swaps them in together. When
// either file fails to load, the previous Pipeline stays active.
func (s *Store) Reload() error {
	subs, err := filter.LoadSubscriptions(filepath.Join(s.dir, SubscriptionsFile))
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	routes, err := router.LoadConfig(filepath.Join(s.dir, RoutesFile))
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}

	s.current.Store(&Pipeline{Subscriptions: subs, Routes: routes})
	s.logger.Info("pipeline config loaded",
		zap.Int("subscriptions", len(subs)),
		zap.Int("routes", len(routes.Routes)),
	)
	return nil
}

// Watch monitors the config directory and reloads when either wiring file
// changes. Blocks until ctx is done. Reload failures are logged, never
// fatal.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the files: atomic renames replace the
	// inode and a file-level watch would go stale after the first swap.
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", s.dir, err)
	}

	reload := make(chan struct{}, 1)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case event := <-watcher.Events:
			if !watchedFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("config change detected",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()),
			)
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.Warn("config reload failed, keeping previous", zap.Error(err))
			}
		case err := <-watcher.Errors:
			s.logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func watchedFile(name string) bool {
	base := filepath.Base(name)
	return base == SubscriptionsFile || base == RoutesFile
}
