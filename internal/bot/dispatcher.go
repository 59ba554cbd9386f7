// Package bot turns chat messages into world actions and replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/reedfamily/forgebot/internal/audit"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/metrics"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrDirectMessagesClosed is returned by Responder.DirectMessage when the
// platform refuses private delivery to the user.
var ErrDirectMessagesClosed = errors.New("direct messages closed")

const msgPermissionDenied = "You do not have permission to use this command."

// Message is an incoming chat message, already stripped of platform types.
type Message struct {
	AuthorID      string
	AuthorMention string
	ChannelID     string
	Content       string
}

// Responder delivers replies for one message.
type Responder interface {
	// Reply posts to the channel the message came from.
	Reply(ctx context.Context, text string) error
	// DirectMessage writes to the author privately.
	DirectMessage(ctx context.Context, text string) error
}

// Settings is the live part of the configuration.
type Settings interface {
	IsOperator(id string) bool
	Games() []string
}

// History lists recent journal entries.
type History interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type Options struct {
	Prefix   string
	Service  *world.Service
	Settings Settings
	History  History // optional
	Rate     rate.Limit
	Burst    int
}

type Dispatcher struct {
	prefix   string
	service  *world.Service
	settings Settings
	history  History
	commands map[string]*command
	logger   zerolog.Logger

	rate     rate.Limit
	burst    int
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// maxLimiters bounds the per-user limiter map; it is reset when exceeded.
const maxLimiters = 1024

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	d := &Dispatcher{
		prefix:   opts.Prefix,
		service:  opts.Service,
		settings: opts.Settings,
		history:  opts.History,
		logger:   xlog.WithComponent("bot"),
		rate:     opts.Rate,
		burst:    opts.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
	d.commands = make(map[string]*command)
	for _, c := range commandTable() {
		d.commands[c.name] = c
	}
	return d
}

// Handle runs the command in msg, if any. It never panics and never returns
// an error: every failure is answered in chat and logged.
func (d *Dispatcher) Handle(ctx context.Context, msg Message, resp Responder) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, d.prefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(content, d.prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	inv := &invocation{d: d, msg: msg, resp: resp, name: name, args: fields[1:]}
	logger := d.logger.With().Str("command", name).Str("user", msg.AuthorID).Str("channel", msg.ChannelID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event", "command.panic").Msg("command handler panicked")
			metrics.Commands.WithLabelValues(name, "error").Inc()
			inv.replyQuietly(ctx, fmt.Sprintf("An error occurred while running %s.", name))
		}
	}()

	cmd, ok := d.commands[name]
	if !ok {
		metrics.Commands.WithLabelValues("unknown", "rejected").Inc()
		inv.replyQuietly(ctx, fmt.Sprintf("Unknown command %q. Try %shelp.", name, d.prefix))
		return
	}
	if !d.allow(msg.AuthorID) {
		metrics.Commands.WithLabelValues(name, "throttled").Inc()
		inv.replyQuietly(ctx, fmt.Sprintf("Slow down, %s.", msg.AuthorMention))
		return
	}
	if cmd.operator && !d.settings.IsOperator(msg.AuthorID) {
		logger.Warn().Str("event", "command.denied").Msg("non-operator attempted a mutating command")
		metrics.Commands.WithLabelValues(name, "denied").Inc()
		inv.replyQuietly(ctx, msgPermissionDenied)
		return
	}
	if len(inv.args) < cmd.minArgs {
		metrics.Commands.WithLabelValues(name, "usage").Inc()
		inv.replyQuietly(ctx, d.usage(cmd))
		return
	}

	if err := cmd.run(ctx, inv); err != nil {
		logger.Error().Err(err).Str("event", "command.error").Msg("command failed")
		metrics.Commands.WithLabelValues(name, "error").Inc()
		inv.replyQuietly(ctx, fmt.Sprintf("An error occurred while running %s.", name))
		return
	}
	metrics.Commands.WithLabelValues(name, "ok").Inc()
}

func (d *Dispatcher) usage(c *command) string {
	return fmt.Sprintf("Usage: %s%s", d.prefix, c.usage)
}

func (d *Dispatcher) allow(userID string) bool {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		if len(d.limiters) >= maxLimiters {
			d.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(d.rate, d.burst)
		d.limiters[userID] = l
	}
	return l.Allow()
}

// Commands lists command names in sorted order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for n := range d.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// invocation is one command being handled.
type invocation struct {
	d    *Dispatcher
	msg  Message
	resp Responder
	name string
	args []string
}

func (inv *invocation) actor() world.Actor {
	return world.Actor{ID: inv.msg.AuthorID, Source: audit.SourceDiscord}
}

func (inv *invocation) reply(ctx context.Context, text string) error {
	return inv.resp.Reply(ctx, text)
}

// replyQuietly is for replies whose failure has nowhere else to go.
func (inv *invocation) replyQuietly(ctx context.Context, text string) {
	if err := inv.resp.Reply(ctx, text); err != nil {
		inv.d.logger.Warn().Err(err).Str("event", "reply.failed").Str("command", inv.name).Msg("could not send reply")
	}
}

// private sends text to the author, falling back to a public reply naming
// them when the platform refuses private delivery.
func (inv *invocation) private(ctx context.Context, text string) error {
	err := inv.resp.DirectMessage(ctx, text)
	if errors.Is(err, ErrDirectMessagesClosed) {
		return inv.reply(ctx, fmt.Sprintf("%s, %s", inv.msg.AuthorMention, text))
	}
	return err
}
