package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/rs/zerolog"
)

// discordMaxMessage is Discord's message length limit in characters.
const discordMaxMessage = 2000

// Discord connects a Dispatcher to a Discord gateway session.
type Discord struct {
	session    *discordgo.Session
	dispatcher *Dispatcher
	logger     zerolog.Logger
	ctx        context.Context
}

func NewDiscord(token string, dispatcher *Dispatcher) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d := &Discord{
		session:    session,
		dispatcher: dispatcher,
		logger:     xlog.WithComponent("discord"),
		ctx:        context.Background(),
	}
	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessageCreate)
	return d, nil
}

// Run opens the gateway connection and blocks until ctx is done. Each event is
// handled on its own goroutine, so a slow provider call does not hold up
// other commands.
func (d *Discord) Run(ctx context.Context) error {
	d.ctx = ctx
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	<-ctx.Done()
	d.logger.Info().Str("event", "discord.closing").Msg("closing discord session")
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.logger.Info().
		Str("event", "discord.ready").
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("logged in")
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	msg := Message{
		AuthorID:      m.Author.ID,
		AuthorMention: m.Author.Mention(),
		ChannelID:     m.ChannelID,
		Content:       m.Content,
	}
	d.dispatcher.Handle(d.ctx, msg, &discordResponder{session: s, channelID: m.ChannelID, userID: m.Author.ID})
}

type discordResponder struct {
	session   *discordgo.Session
	channelID string
	userID    string
}

func (r *discordResponder) Reply(ctx context.Context, text string) error {
	_, err := r.session.ChannelMessageSend(r.channelID, clip(text), discordgo.WithContext(ctx))
	return err
}

func (r *discordResponder) DirectMessage(ctx context.Context, text string) error {
	ch, err := r.session.UserChannelCreate(r.userID, discordgo.WithContext(ctx))
	if err != nil {
		return classifyDM(err)
	}
	_, err = r.session.ChannelMessageSend(ch.ID, clip(text), discordgo.WithContext(ctx))
	return classifyDM(err)
}

// classifyDM maps Discord's "cannot send messages to this user" refusal onto
// ErrDirectMessagesClosed and leaves every other error alone.
func classifyDM(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) {
		return err
	}
	if rerr.Message != nil && rerr.Message.Code == discordgo.ErrCodeCannotSendMessagesToThisUser {
		return fmt.Errorf("%w: %v", ErrDirectMessagesClosed, err)
	}
	if rerr.Response != nil && rerr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %v", ErrDirectMessagesClosed, err)
	}
	return err
}

func clip(text string) string {
	runes := []rune(text)
	if len(runes) <= discordMaxMessage {
		return text
	}
	return string(runes[:discordMaxMessage-3]) + "..."
}
