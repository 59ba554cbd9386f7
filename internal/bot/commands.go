package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/reedfamily/forgebot/internal/forge"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/spf13/pflag"
)

type command struct {
	name     string
	usage    string
	help     string
	minArgs  int
	operator bool
	run      func(ctx context.Context, inv *invocation) error
}

func commandTable() []*command {
	return []*command{
		{
			name:  "list-games",
			usage: "list-games",
			help:  "send you the list of available games",
			run:   listGames,
		},
		{
			name:     "world-on",
			usage:    "world-on <slug>",
			help:     "start a world",
			minArgs:  1,
			operator: true,
			run:      worldOn,
		},
		{
			name:     "world-off",
			usage:    "world-off <slug>",
			help:     "stop a world",
			minArgs:  1,
			operator: true,
			run:      worldOff,
		},
		{
			name:     "world-idle",
			usage:    "world-idle <slug> [--force] [--world=<name>]",
			help:     "idle a world, optionally forcing it or switching to another world",
			minArgs:  1,
			operator: true,
			run:      worldIdle,
		},
		{
			name:  "world-status",
			usage: "world-status",
			help:  "show the last known status of every world",
			run:   worldStatus,
		},
		{
			name:     "reset-status",
			usage:    "reset-status <slug> <online|offline|idle>",
			help:     "correct a world's recorded status without touching the server",
			minArgs:  2,
			operator: true,
			run:      resetStatus,
		},
		{
			name:     "world-history",
			usage:    "world-history [count]",
			help:     "show recent world actions",
			operator: true,
			run:      worldHistory,
		},
		{
			name:  "ping",
			usage: "ping",
			help:  "check that the bot is alive",
			run: func(ctx context.Context, inv *invocation) error {
				return inv.reply(ctx, "pong")
			},
		},
		{
			name:  "help",
			usage: "help",
			help:  "list commands",
			run:   help,
		},
	}
}

func listGames(ctx context.Context, inv *invocation) error {
	list := "Here is a list of available games:\n" + strings.Join(inv.d.settings.Games(), "\n")

	err := inv.resp.DirectMessage(ctx, list)
	if errors.Is(err, ErrDirectMessagesClosed) {
		return inv.reply(ctx, fmt.Sprintf("%s, I couldn't send you a DM. %s", inv.msg.AuthorMention, list))
	}
	if err != nil {
		return err
	}
	return inv.reply(ctx, fmt.Sprintf("%s, I have sent you a DM with the list of available games.", inv.msg.AuthorMention))
}

func worldOn(ctx context.Context, inv *invocation) error {
	slug := inv.args[0]
	if err := inv.d.service.Start(ctx, inv.actor(), slug); err != nil {
		return inv.actionFailed(ctx, "start", err)
	}
	return inv.private(ctx, fmt.Sprintf("World '%s' is now online.", slug))
}

func worldOff(ctx context.Context, inv *invocation) error {
	slug := inv.args[0]
	if err := inv.d.service.Stop(ctx, inv.actor(), slug); err != nil {
		return inv.actionFailed(ctx, "stop", err)
	}
	return inv.private(ctx, fmt.Sprintf("World '%s' is now offline.", slug))
}

func worldIdle(ctx context.Context, inv *invocation) error {
	fs := pflag.NewFlagSet(inv.name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	force := fs.Bool("force", false, "idle even when players are connected")
	target := fs.String("world", "", "world to load while idling")
	if err := fs.Parse(inv.args); err != nil || fs.NArg() == 0 {
		return inv.reply(ctx, inv.d.usage(inv.d.commands[inv.name]))
	}

	slug := fs.Arg(0)
	opts := forge.IdleOptions{Force: *force, World: *target}
	if err := inv.d.service.Idle(ctx, inv.actor(), slug, opts); err != nil {
		return inv.actionFailed(ctx, "idle", err)
	}
	return inv.private(ctx, fmt.Sprintf("World '%s' is now idle.", slug))
}

func worldStatus(ctx context.Context, inv *invocation) error {
	store := inv.d.service.Store()
	if store.Len() == 0 {
		return inv.reply(ctx, "No world statuses available. You may need to start or stop a world first.")
	}
	return inv.private(ctx, "World Status:\n"+store.Report())
}

func resetStatus(ctx context.Context, inv *invocation) error {
	slug, raw := inv.args[0], inv.args[1]
	label, err := inv.d.service.Reset(ctx, inv.actor(), slug, raw)
	if errors.Is(err, status.ErrInvalidLabel) {
		return inv.reply(ctx, "Invalid status. Valid statuses are 'online', 'offline', or 'idle'.")
	}
	if err != nil {
		return err
	}
	return inv.private(ctx, fmt.Sprintf("World '%s' status has been manually reset to '%s'.", slug, label))
}

const (
	defaultHistory = 10
	maxHistory     = 25
)

func worldHistory(ctx context.Context, inv *invocation) error {
	if inv.d.history == nil {
		return inv.reply(ctx, "Action history is not available.")
	}
	limit := defaultHistory
	if len(inv.args) > 0 {
		n, err := strconv.Atoi(inv.args[0])
		if err != nil || n <= 0 {
			return inv.reply(ctx, inv.d.usage(inv.d.commands[inv.name]))
		}
		limit = min(n, maxHistory)
	}

	entries, err := inv.d.history.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		return inv.reply(ctx, "No world actions recorded yet.")
	}

	var b strings.Builder
	b.WriteString("Recent world actions:\n")
	for _, e := range entries {
		outcome := "ok"
		if !e.OK {
			outcome = "failed"
		}
		fmt.Fprintf(&b, "%s | %s %s", e.CreatedAt.UTC().Format(time.DateTime), e.Action, e.World)
		if e.Status != "" {
			fmt.Fprintf(&b, " -> %s", e.Status)
		}
		fmt.Fprintf(&b, " | %s via %s | %s\n", e.Actor, e.Source, outcome)
	}
	return inv.private(ctx, b.String())
}

func help(ctx context.Context, inv *invocation) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range inv.d.Commands() {
		c := inv.d.commands[name]
		fmt.Fprintf(&b, "%s%s - %s", inv.d.prefix, c.usage, c.help)
		if c.operator {
			b.WriteString(" (operators only)")
		}
		b.WriteString("\n")
	}
	return inv.reply(ctx, b.String())
}

// actionFailed answers a failed provider action without exposing the cause.
func (inv *invocation) actionFailed(ctx context.Context, verb string, err error) error {
	inv.d.logger.Warn().Err(err).
		Str("event", "command.action_failed").
		Str("command", inv.name).
		Str("user", inv.msg.AuthorID).
		Msg("world action failed")
	return inv.reply(ctx, fmt.Sprintf("Failed to %s the world. Please check your game URL or your permissions.", verb))
}
