package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/pkg/log"
)

// telegramMessageLimit is counted after entity parsing, so the <pre>
// markup does not count against it.
const telegramMessageLimit = 4096

// TelegramSink relays to Telegram chats. The sink id is the decimal chat
// id. The Bot API cannot read messages back, so FetchMessage always
// returns ErrFetchUnsupported.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	admins []int64
	logger log.Logger
	events chan *models.InboundEvent

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewTelegramSink logs in with token. Users listed in admins pass the
// admin check in every chat; everyone else needs to be a creator or
// administrator of the chat.
func NewTelegramSink(token string, admins []int64, logger log.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	client := &http.Client{Timeout: 90 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: login: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &TelegramSink{
		bot:    bot,
		admins: admins,
		logger: logger,
		events: make(chan *models.InboundEvent, 64),
	}, nil
}

func (t *TelegramSink) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("telegram: already started")
	}
	t.started = true
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Infof("logged in as @%s", t.bot.Self.UserName)

	go t.receive(ctx, updates)
	return nil
}

func (t *TelegramSink) receive(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
				continue
			}
			t.deliver(t.toEvent(update.Message))
		}
	}
}

func (t *TelegramSink) toEvent(m *tgbotapi.Message) *models.InboundEvent {
	event := &models.InboundEvent{
		SinkID:      strconv.FormatInt(m.Chat.ID, 10),
		MessageID:   strconv.Itoa(m.MessageID),
		AuthorID:    strconv.FormatInt(m.From.ID, 10),
		AuthorIsBot: m.From.IsBot,
		Text:        m.Text,
	}
	if !event.AuthorIsBot {
		event.AuthorIsAdmin = lo.Contains(t.admins, m.From.ID) || t.isChatAdmin(m.Chat.ID, m.From.ID)
	}
	return event
}

func (t *TelegramSink) isChatAdmin(chatID, userID int64) bool {
	member, err := t.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		t.logger.Warnf("chat member lookup for %d in %d failed: %v", userID, chatID, err)
		return false
	}
	return member.IsCreator() || member.IsAdministrator()
}

func (t *TelegramSink) deliver(event *models.InboundEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- event:
	default:
		t.logger.Warnf("inbound queue full, dropping message %s in %s", event.MessageID, event.SinkID)
	}
}

func (t *TelegramSink) Events() <-chan *models.InboundEvent { return t.events }

func (t *TelegramSink) SendMessage(ctx context.Context, sinkID, text string) (string, error) {
	chatID, err := parseChatID(sinkID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	var sent tgbotapi.Message
	err = withContext(ctx, func() error {
		var sendErr error
		sent, sendErr = t.bot.Send(msg)
		return sendErr
	})
	if err != nil {
		return "", telegramError("send", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *TelegramSink) EditMessage(ctx context.Context, sinkID, messageID, text string) error {
	chatID, msgID, err := parseMessageRef(sinkID, messageID)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	edit.ParseMode = tgbotapi.ModeHTML

	err = withContext(ctx, func() error {
		_, reqErr := t.bot.Request(edit)
		return reqErr
	})
	if err != nil && isNotModified(err) {
		return nil
	}
	if err != nil {
		return telegramError("edit", err)
	}
	return nil
}

func (t *TelegramSink) FetchMessage(ctx context.Context, sinkID, messageID string) (string, error) {
	return "", ErrFetchUnsupported
}

func (t *TelegramSink) DeleteMessage(ctx context.Context, sinkID, messageID string) error {
	chatID, msgID, err := parseMessageRef(sinkID, messageID)
	if err != nil {
		return err
	}
	err = withContext(ctx, func() error {
		_, reqErr := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
		return reqErr
	})
	if err != nil {
		return telegramError("delete", err)
	}
	return nil
}

// withContext runs a blocking Bot API call and gives up when ctx is
// done. The call itself is bounded by the HTTP client timeout.
func withContext(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func telegramError(op string, err error) error {
	if isTelegramNotFound(err) {
		return fmt.Errorf("telegram %s: %w: %v", op, ErrMessageNotFound, err)
	}
	return fmt.Errorf("telegram %s: %w", op, err)
}

// The Bot API reports these as 400 Bad Request with a description, so
// the description is all there is to go on.
func isTelegramNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to edit not found") ||
		strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "chat not found")
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func parseChatID(sinkID string) (int64, error) {
	chatID, err := strconv.ParseInt(sinkID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", sinkID, err)
	}
	return chatID, nil
}

func parseMessageRef(sinkID, messageID string) (int64, int, error) {
	chatID, err := parseChatID(sinkID)
	if err != nil {
		return 0, 0, err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	return chatID, msgID, nil
}

func (t *TelegramSink) Formatter() Formatter {
	return HTMLPre{MaxRunes: telegramMessageLimit}
}

func (t *TelegramSink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.started {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramSink) Type() string {
	return "telegram"
}

var _ Platform = (*TelegramSink)(nil)
