package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/rs/zerolog"
)

// Holder serves the parts of the configuration that may change while the bot
// runs: the operator allow-list and the game list. Everything else needs a
// restart.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu        sync.RWMutex
	operators OperatorSet
	games     []string
}

func NewHolder(initial *Config, path string) *Holder {
	return &Holder{
		path:      path,
		logger:    xlog.WithComponent("config"),
		operators: initial.Operators,
		games:     initial.Games,
	}
}

func (h *Holder) IsOperator(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.operators.Contains(id)
}

func (h *Holder) Operators() OperatorSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.operators
}

// Games returns a copy of the predefined game list.
func (h *Holder) Games() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.games...)
}

// Reload re-reads the file and environment. On any error the current values
// stay in place.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.operators = cfg.Operators
	h.games = cfg.Games
	h.mu.Unlock()

	h.logger.Info().
		Str("event", "config.reload_success").
		Int("operators", len(cfg.Operators)).
		Int("games", len(cfg.Games)).
		Msg("configuration reloaded")
	return nil
}

// Watch reloads the holder whenever the config file changes, until ctx ends.
// The directory is watched because editors usually replace the file.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("watching config file")

	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	const debounce = 500 * time.Millisecond
	target := filepath.Clean(h.path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			_ = h.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
