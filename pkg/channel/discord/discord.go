package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"muse/pkg/bus"
	"muse/pkg/channel"
	"muse/pkg/config"

	"github.com/bwmarrin/discordgo"
)

const channelName = "discord"

const messageIntents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Adapter relays Discord messages through the gateway websocket.
type Adapter struct {
	token      string
	log        *slog.Logger
	newSession func(token string) (session, error)

	mu      sync.RWMutex
	session session
}

// NewAdapter validates Discord configuration and constructs an adapter instance.
func NewAdapter(cfg config.DiscordConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		token:      token,
		log:        log.With("component", "channel.discord"),
		newSession: openSession,
	}, nil
}

func openSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = messageIntents
	return s, nil
}

// Name returns the channel identifier used in bus messages and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run opens the gateway connection and forwards every user text message to
// sink until ctx is canceled.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	s, err := a.newSession(a.token)
	if err != nil {
		return fmt.Errorf("initialize discord session: %w", err)
	}

	remove := s.AddHandler(func(ds *discordgo.Session, m *discordgo.MessageCreate) {
		a.forward(ctx, sink, selfID(ds), m)
	})
	defer remove()

	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	a.setSession(s)
	a.log.Info("Discord channel started")

	<-ctx.Done()

	a.setSession(nil)
	if err := s.Close(); err != nil {
		a.log.Warn("Discord session close failed", "error", err)
	}

	return nil
}

// Send posts one reply into the Discord channel named by msg.ChatID.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s := a.currentSession()
	if s == nil {
		return errors.New("discord channel is not running")
	}

	channelID := strings.TrimSpace(msg.ChatID)
	if channelID == "" {
		return errors.New("discord channel id is required")
	}

	a.log.Info("Sending message", "chat_id", channelID, "trigger_id", msg.TriggerID, "content", channel.PreviewText(msg.Content))
	var err error
	if replyTo := msg.Metadata[bus.MetadataReplyTo]; replyTo != "" {
		failIfMissing := false
		reference := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID, FailIfNotExists: &failIfMissing}
		_, err = s.ChannelMessageSendReply(channelID, msg.Content, reference, discordgo.WithContext(ctx))
	} else {
		_, err = s.ChannelMessageSend(channelID, msg.Content, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}

	return nil
}

func (a *Adapter) forward(ctx context.Context, sink channel.Sink, self string, m *discordgo.MessageCreate) {
	inbound, ok := inboundFromMessage(self, m)
	if !ok {
		return
	}

	a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "content", channel.PreviewText(inbound.Content))
	if !sink(ctx, inbound) {
		a.log.Warn("Dropped message, relay is shutting down", "chat_id", inbound.ChatID)
	}
}

func (a *Adapter) setSession(s session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
}

func (a *Adapter) currentSession() session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func selfID(s *discordgo.Session) string {
	if s == nil || s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

// inboundFromMessage skips the bot's own messages, other bots and empty text.
func inboundFromMessage(self string, m *discordgo.MessageCreate) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.Bot || (self != "" && m.Author.ID == self) {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return bus.InboundMessage{}, false
	}

	metadata := map[string]string{}
	if m.GuildID != "" {
		metadata["guild_id"] = m.GuildID
	}

	return bus.InboundMessage{
		Channel:   channelName,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   content,
		Metadata:  metadata,
	}, true
}
