// Package world carries out world actions: provider call, status update, journal entry.
package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/forge"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/rs/zerolog"
)

var ErrEmptySlug = errors.New("world slug is required")

// Action names, shared with schedules and the journal.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionIdle  = "idle"
	ActionReset = "reset"
)

// Provider is the subset of the Forge client the service drives.
type Provider interface {
	Start(ctx context.Context, slug string) error
	Stop(ctx context.Context, slug string) error
	Idle(ctx context.Context, slug string, opts forge.IdleOptions) error
}

// Journal records actions. Failures are logged and otherwise ignored.
type Journal interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Actor identifies who asked for an action.
type Actor struct {
	ID     string
	Source string
}

type Service struct {
	provider Provider
	store    *status.Store
	journal  Journal
	logger   zerolog.Logger
}

// NewService wires the service. journal may be nil.
func NewService(provider Provider, store *status.Store, journal Journal) *Service {
	return &Service{
		provider: provider,
		store:    store,
		journal:  journal,
		logger:   xlog.WithComponent("world"),
	}
}

func (s *Service) Store() *status.Store { return s.store }

func (s *Service) Start(ctx context.Context, actor Actor, slug string) error {
	return s.run(ctx, actor, ActionStart, slug, status.Online, func() error {
		return s.provider.Start(ctx, slug)
	})
}

func (s *Service) Stop(ctx context.Context, actor Actor, slug string) error {
	return s.run(ctx, actor, ActionStop, slug, status.Offline, func() error {
		return s.provider.Stop(ctx, slug)
	})
}

func (s *Service) Idle(ctx context.Context, actor Actor, slug string, opts forge.IdleOptions) error {
	return s.run(ctx, actor, ActionIdle, slug, status.Idle, func() error {
		return s.provider.Idle(ctx, slug, opts)
	})
}

// Do runs a start, stop or idle action by name.
func (s *Service) Do(ctx context.Context, actor Actor, action, slug string) error {
	switch action {
	case ActionStart:
		return s.Start(ctx, actor, slug)
	case ActionStop:
		return s.Stop(ctx, actor, slug)
	case ActionIdle:
		return s.Idle(ctx, actor, slug, forge.IdleOptions{})
	}
	return fmt.Errorf("unknown world action %q", action)
}

// Reset overwrites the local status without contacting the provider. Used when
// the bot missed changes made elsewhere.
func (s *Service) Reset(ctx context.Context, actor Actor, slug, raw string) (status.Label, error) {
	if slug == "" {
		return "", ErrEmptySlug
	}
	label, err := status.ParseLabel(raw)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(slug, label); err != nil {
		s.record(ctx, actor, ActionReset, slug, label, err)
		return "", err
	}
	s.logger.Info().Str("event", "world.reset").Str("world", slug).Str("status", string(label)).Str("actor", actor.ID).Msg("status manually reset")
	s.record(ctx, actor, ActionReset, slug, label, nil)
	return label, nil
}

func (s *Service) run(ctx context.Context, actor Actor, action, slug string, label status.Label, call func() error) error {
	if slug == "" {
		return ErrEmptySlug
	}
	if err := call(); err != nil {
		s.record(ctx, actor, action, slug, label, err)
		return err
	}
	if err := s.store.Set(slug, label); err != nil {
		s.logger.Error().Err(err).Str("event", "world.persist_failed").Str("world", slug).Msg("provider accepted action but status could not be saved")
		s.record(ctx, actor, action, slug, label, err)
		return fmt.Errorf("save status: %w", err)
	}
	s.logger.Info().Str("event", "world."+action).Str("world", slug).Str("status", string(label)).Str("actor", actor.ID).Msg("world status changed")
	s.record(ctx, actor, action, slug, label, nil)
	return nil
}

func (s *Service) record(ctx context.Context, actor Actor, action, slug string, label status.Label, err error) {
	if s.journal == nil {
		return
	}
	e := audit.Entry{
		Actor:  actor.ID,
		Source: actor.Source,
		Action: action,
		World:  slug,
		Status: string(label),
		OK:     err == nil,
	}
	if err != nil {
		e.Detail = err.Error()
	}
	if jerr := s.journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
		s.logger.Warn().Err(jerr).Str("event", "journal.write_failed").Msg("could not journal action")
	}
}
