package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/pkg/log"
)

// discordMessageLimit is the content limit of a regular message.
const discordMessageLimit = 2000

// DiscordSink relays to Discord text channels. The sink id is the
// channel id.
type DiscordSink struct {
	session *discordgo.Session
	logger  log.Logger
	events  chan *models.InboundEvent

	handlers []func()
	mu       sync.Mutex
	closed   bool
}

func NewDiscordSink(token string, logger log.Logger) (*DiscordSink, error) {
	if token == "" {
		return nil, errors.New("discord: empty bot token")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	if logger == nil {
		logger = log.Nop()
	}
	return &DiscordSink{
		session: session,
		logger:  logger,
		events:  make(chan *models.InboundEvent, 64),
	}, nil
}

func (d *DiscordSink) Start(ctx context.Context) error {
	d.handlers = append(d.handlers,
		d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			d.logger.Infof("logged in as %s", r.User.Username)
		}),
		d.session.AddHandler(d.onMessageCreate),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

func (d *DiscordSink) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	event := &models.InboundEvent{
		SinkID:      m.ChannelID,
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		AuthorIsBot: m.Author.Bot,
		Text:        m.Content,
	}
	if !event.AuthorIsBot {
		event.AuthorIsAdmin = d.isAdmin(m.Author.ID, m.ChannelID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- event:
	default:
		d.logger.Warnf("inbound queue full, dropping message %s in %s", m.ID, m.ChannelID)
	}
}

func (d *DiscordSink) isAdmin(userID, channelID string) bool {
	perms, err := d.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		d.logger.Warnf("permission lookup for %s in %s failed: %v", userID, channelID, err)
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0
}

func (d *DiscordSink) Events() <-chan *models.InboundEvent { return d.events }

func (d *DiscordSink) SendMessage(ctx context.Context, sinkID, text string) (string, error) {
	msg, err := d.session.ChannelMessageSend(sinkID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("send", err)
	}
	return msg.ID, nil
}

func (d *DiscordSink) EditMessage(ctx context.Context, sinkID, messageID, text string) error {
	if _, err := d.session.ChannelMessageEdit(sinkID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return discordError("edit", err)
	}
	return nil
}

func (d *DiscordSink) FetchMessage(ctx context.Context, sinkID, messageID string) (string, error) {
	msg, err := d.session.ChannelMessage(sinkID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("fetch", err)
	}
	return msg.Content, nil
}

func (d *DiscordSink) DeleteMessage(ctx context.Context, sinkID, messageID string) error {
	if err := d.session.ChannelMessageDelete(sinkID, messageID, discordgo.WithContext(ctx)); err != nil {
		return discordError("delete", err)
	}
	return nil
}

// discordError maps unknown message/channel responses to
// ErrMessageNotFound.
func discordError(op string, err error) error {
	if isDiscordNotFound(err) {
		return fmt.Errorf("discord %s: %w: %v", op, ErrMessageNotFound, err)
	}
	return fmt.Errorf("discord %s: %w", op, err)
}

func isDiscordNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return true
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func (d *DiscordSink) Formatter() Formatter {
	return CodeFence{Fence: "```", MaxRunes: discordMessageLimit}
}

func (d *DiscordSink) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, remove := range d.handlers {
		remove()
	}
	return d.session.Close()
}

func (d *DiscordSink) Type() string {
	return "discord"
}

var _ Platform = (*DiscordSink)(nil)
