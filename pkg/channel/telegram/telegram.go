package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"muse/pkg/bus"
	"muse/pkg/channel"
	"muse/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"

// botAPI is the subset of *telego.Bot the adapter uses.
type botAPI interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Adapter turns Telegram updates into inbound relay messages and posts replies
// back into the originating chat.
type Adapter struct {
	token  string
	log    *slog.Logger
	newBot func(token string) (botAPI, error)

	mu  sync.RWMutex
	bot botAPI
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		token: token,
		log:   log.With("component", "channel.telegram"),
		newBot: func(token string) (botAPI, error) {
			return telego.NewBot(token)
		},
	}, nil
}

// Name returns the channel identifier used in bus messages and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts long polling and forwards each text message to sink. It never
// waits for a reply; replies arrive later through Send.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	bot, err := a.newBot(a.token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.setBot(bot)
	defer a.setBot(nil)

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := inboundFromUpdate(update)
			if !ok {
				continue
			}
			a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "content", channel.PreviewText(inbound.Content))

			if !sink(ctx, inbound) {
				a.log.Warn("Dropped message, relay is shutting down", "chat_id", inbound.ChatID)
			}
		}
	}
}

// Send posts one reply into the Telegram chat named by msg.ChatID.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	bot := a.currentBot()
	if bot == nil {
		return errors.New("telegram channel is not running")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	params := tu.Message(tu.ID(chatID), msg.Content)
	if replyTo, err := strconv.Atoi(msg.Metadata[bus.MetadataReplyTo]); err == nil {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}

	a.log.Info("Sending message", "chat_id", chatID, "trigger_id", msg.TriggerID, "content", channel.PreviewText(msg.Content))
	if _, err := bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

func (a *Adapter) setBot(bot botAPI) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bot = bot
}

func (a *Adapter) currentBot() botAPI {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot
}

// inboundFromUpdate keeps text messages that have a sender.
func inboundFromUpdate(update telego.Update) (bus.InboundMessage, bool) {
	message := update.Message
	if message == nil || message.From == nil {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return bus.InboundMessage{}, false
	}

	return bus.InboundMessage{
		Channel:   channelName,
		SenderID:  strconv.FormatInt(message.From.ID, 10),
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		MessageID: strconv.Itoa(message.MessageID),
		Content:   content,
		Metadata: map[string]string{
			"update_id": strconv.Itoa(update.UpdateID),
		},
	}, true
}
