// Package reconcile keeps the local status file in line with the provider.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/forge"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/metrics"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/rs/zerolog"
)

const DefaultInterval = 360 * time.Minute

// Source lists the provider's worlds.
type Source interface {
	Worlds(ctx context.Context) ([]forge.World, error)
}

type Options struct {
	Interval time.Duration
	// AdoptUnknown adds provider worlds the store has never seen.
	AdoptUnknown bool
}

// Result summarises one pass.
type Result struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Adopted int `json:"adopted"`
}

type Reconciler struct {
	source  Source
	store   *status.Store
	journal world.Journal
	opts    Options
	logger  zerolog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a reconciler. journal may be nil.
func New(source Source, store *status.Store, journal world.Journal, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Reconciler{
		source:  source,
		store:   store,
		journal: journal,
		opts:    opts,
		logger:  xlog.WithComponent("reconcile"),
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		r.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()

	r.logger.Info().Str("event", "reconcile.started").Dur("interval", r.opts.Interval).Msg("reconciliation loop started")
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reconciler) tick(ctx context.Context) {
	if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Str("event", "reconcile.failed").Msg("reconciliation pass failed")
	}
}

// Reconcile pulls the provider's world list and overwrites local labels that
// disagree. Local entries missing from the response are kept.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	worlds, err := r.source.Worlds(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("fetch worlds: %w", err)
	}

	res := Result{Checked: len(worlds)}
	active := make(map[string]bool, len(worlds))
	slugs := make([]string, 0, len(worlds))
	for _, w := range worlds {
		if w.Name == "" {
			continue
		}
		if _, dup := active[w.Name]; !dup {
			slugs = append(slugs, w.Name)
		}
		active[w.Name] = w.Active
	}

	// Decided under the store lock so a concurrent world-idle is not lost.
	changes, err := r.store.Apply(slugs, func(slug string, local status.Label, known bool) (status.Label, bool) {
		if !known && !r.opts.AdoptUnknown {
			return "", false
		}
		return providerLabel(active[slug], local), true
	})
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("event", "reconcile.persist_failed").Msg("could not save reconciled statuses")
		return res, fmt.Errorf("apply updates: %w", err)
	}
	for _, c := range changes {
		if c.Previous == "" {
			res.Adopted++
		} else {
			res.Updated++
		}
		r.record(ctx, c)
	}

	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	metrics.ReconcileUpdates.Add(float64(len(changes)))
	r.logger.Info().
		Str("event", "reconcile.done").
		Int("checked", res.Checked).
		Int("updated", res.Updated).
		Int("adopted", res.Adopted).
		Msg("reconciliation pass finished")
	return res, nil
}

// providerLabel maps the provider's active flag onto a label. An inactive world
// that we last idled stays Idle: the provider reports idle worlds as inactive.
func providerLabel(active bool, local status.Label) status.Label {
	if active {
		return status.Online
	}
	if local == status.Idle {
		return status.Idle
	}
	return status.Offline
}

func (r *Reconciler) record(ctx context.Context, c status.Change) {
	r.logger.Info().
		Str("event", "reconcile.overwrite").
		Str("world", c.Slug).
		Str("previous", string(c.Previous)).
		Str("status", string(c.Status)).
		Msg("local status corrected from provider")
	if r.journal == nil {
		return
	}
	err := r.journal.Record(context.WithoutCancel(ctx), audit.Entry{
		Actor:  "reconciler",
		Source: audit.SourceReconcile,
		Action: "reconcile",
		World:  c.Slug,
		Status: string(c.Status),
		OK:     true,
		Detail: fmt.Sprintf("was %q", c.Previous),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("event", "journal.write_failed").Msg("could not journal reconciliation")
	}
}
