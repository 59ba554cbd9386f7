package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/auth"
	"github.com/reedfamily/forgebot/internal/bot"
	"github.com/reedfamily/forgebot/internal/config"
	"github.com/reedfamily/forgebot/internal/db"
	"github.com/reedfamily/forgebot/internal/forge"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/reconcile"
	"github.com/reedfamily/forgebot/internal/scheduler"
	"github.com/reedfamily/forgebot/internal/server"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("FORGEBOT_CONFIG"), "path to an optional YAML config file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("forgebot", version)
		return
	}

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "forgebot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "forgebot"})
	logger := xlog.WithComponent("main")
	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Int("operators", len(cfg.Operators)).
		Str("status_file", cfg.StatusFile).
		Msg("starting forgebot")
	if len(cfg.Operators) == 0 {
		logger.Warn().Msg("no operators configured; every mutating command will be refused")
	}

	store, err := status.Open(cfg.StatusFile)
	if err != nil {
		return fmt.Errorf("open status file: %w", err)
	}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	journal := audit.NewJournal(database)
	client := forge.New(cfg.ProviderURL, cfg.ForgeAPIKey, cfg.ProviderTimeout)
	worlds := world.NewService(client, store, journal)
	settings := config.NewHolder(cfg, configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := settings.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}

	reconciler := reconcile.New(client, store, journal, reconcile.Options{
		Interval:     cfg.ReconcileInterval,
		AdoptUnknown: cfg.ReconcileAdopt,
	})
	reconciler.Start(ctx)
	defer reconciler.Stop()

	schedules := scheduler.NewRepository(database)
	sched := scheduler.New(schedules, worlds)
	sched.Start(ctx)
	defer sched.Stop()

	dispatcher := bot.NewDispatcher(bot.Options{
		Prefix:   cfg.Prefix,
		Service:  worlds,
		Settings: settings,
		History:  journal,
		Rate:     rate.Limit(cfg.CommandRate),
		Burst:    cfg.CommandBurst,
	})
	discord, err := bot.NewDiscord(cfg.DiscordToken, dispatcher)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return discord.Run(gctx) })

	if cfg.ListenAddr != "" {
		authSvc := auth.NewService(database)
		if err := authSvc.EnsureAdmin(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
			return err
		}
		srv := server.New(server.Deps{
			Auth:       authSvc,
			Worlds:     worlds,
			Games:      settings,
			History:    journal,
			Reconciler: reconciler,
			Schedules:  schedules,
			Origins:    cfg.AllowedOrigins,
		})
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	}

	err = g.Wait()
	logger.Info().Str("event", "shutdown").Msg("forgebot stopped")
	return err
}
