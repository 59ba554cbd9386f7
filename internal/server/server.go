// Package server assembles the admin HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reedfamily/forgebot/internal/api"
	"github.com/reedfamily/forgebot/internal/auth"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/scheduler"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = 10 * time.Second
	sessionSweep    = time.Hour
)

// Deps are the services the API exposes.
type Deps struct {
	Auth       *auth.Service
	Worlds     *world.Service
	Games      api.GameLister
	History    api.History
	Reconciler api.Reconciler
	Schedules  *scheduler.Repository
	Origins    []string
}

type Server struct {
	auth   *auth.Service
	router chi.Router
	logger zerolog.Logger
}

func New(d Deps) *Server {
	authHandler := api.NewAuthHandler(d.Auth)
	worldHandler := api.NewWorldHandler(d.Worlds, d.Games, d.History, d.Reconciler)
	scheduleHandler := api.NewScheduleHandler(d.Schedules)
	liveHandler := api.NewLiveHandler(d.Worlds.Store(), d.Origins)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(api.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(10, time.Minute)).Post("/auth/login", authHandler.Login)

		r.With(api.QueryTokenAuth(d.Auth)).Get("/worlds/live", liveHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(d.Auth))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)

			r.Get("/games", worldHandler.Games)
			r.Get("/history", worldHandler.History)
			r.Post("/reconcile", worldHandler.Reconcile)

			r.Route("/worlds", func(r chi.Router) {
				r.Get("/", worldHandler.List)
				r.Route("/{slug}", func(r chi.Router) {
					r.Post("/start", worldHandler.Start)
					r.Post("/stop", worldHandler.Stop)
					r.Post("/idle", worldHandler.Idle)
					r.Put("/status", worldHandler.Reset)
				})
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", scheduleHandler.List)
				r.Post("/", scheduleHandler.Create)
				r.Get("/{id}", scheduleHandler.Get)
				r.Put("/{id}", scheduleHandler.Update)
				r.Delete("/{id}", scheduleHandler.Delete)
			})
		})
	})

	return &Server{auth: d.Auth, router: r, logger: xlog.WithComponent("server")}
}

func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then drains open requests.
// Expired sessions are swept hourly while it runs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepSessions(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("event", "http.listen").Str("addr", addr).Msg("admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Str("event", "http.stopped").Msg("admin API stopped")
	return nil
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.auth.PruneExpired(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("removed", n).Msg("expired sessions removed")
			}
		}
	}
}
