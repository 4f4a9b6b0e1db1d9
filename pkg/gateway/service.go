package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"muse/pkg/bus"
	"muse/pkg/channel"
	"muse/pkg/config"
	"muse/pkg/relay"

	"golang.org/x/sync/errgroup"
)

const (
	eventBufferSize = 256
	shutdownTimeout = 5 * time.Second
	sendTimeout     = 15 * time.Second

	botFailureReply = "The muse is unavailable right now, try again shortly."
	botEmptyReply   = "The muse had nothing to say this time."
)

// TriggerHandler drives one trigger to its terminal outcome.
type TriggerHandler interface {
	Handle(ctx context.Context, trigger relay.Trigger) relay.Outcome
}

// Service owns the HTTP listener, the bot dispatch and delivery loops, and the
// relay status exposed on /healthz, /readyz and /statusz.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	relay    TriggerHandler
	bus      *bus.MessageBus
	channels []channel.Adapter
	adapters map[string]channel.Adapter

	inflight sync.WaitGroup

	mu               sync.RWMutex
	startedAt        time.Time
	serving          bool
	listenAddr       string
	upstreamLastOKAt time.Time
	upstreamLastErr  string
	channelStates    map[string]channelState
	triggers         map[bus.EventType]int64
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	UpstreamLastOKAt string                  `json:"upstream_last_ok_at,omitempty"`
	UpstreamLastErr  string                  `json:"upstream_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
	Triggers         map[string]int64        `json:"triggers,omitempty"`
}

// NewService wires the gateway. adapters may be empty for an HTTP-only relay.
func NewService(cfg *config.Config, handler TriggerHandler, messageBus *bus.MessageBus, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if handler == nil {
		return nil, errors.New("trigger handler is required")
	}
	if messageBus == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]channel.Adapter, len(adapters))
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, dup := byName[adapter.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel adapter %q", adapter.Name())
		}
		byName[adapter.Name()] = adapter
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		relay:         handler,
		bus:           messageBus,
		channels:      adapters,
		adapters:      byName,
		channelStates: channelStates,
		triggers:      make(map[bus.EventType]int64),
	}, nil
}

// Run serves HTTP and every bot channel until ctx is canceled or one of them
// fails. It returns after in-flight triggers have finished.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress(), err)
	}

	g, gctx := errgroup.WithContext(ctx)

	events, unsubscribe := s.bus.SubscribeEvents(gctx, eventBufferSize)
	defer unsubscribe()
	g.Go(func() error {
		s.watchEvents(events)
		return nil
	})

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		s.setServing(listener.Addr().String(), true)
		defer s.setServing("", false)

		s.log.Info("Relay HTTP server started", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown incomplete", "error", err)
		}
		return nil
	})

	g.Go(func() error { return s.dispatchLoop(gctx) })
	g.Go(func() error { return s.deliveryLoop(gctx) })

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		g.Go(func() error {
			err := adapter.Run(gctx, s.bus.PublishInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	err = g.Wait()
	s.inflight.Wait()
	return err
}

// dispatchLoop turns each inbound chat message into a bot trigger on its own
// goroutine, so the loop never waits on a fetch.
func (s *Service) dispatchLoop(ctx context.Context) error {
	for {
		inbound, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.relayMessage(ctx, inbound)
		}()
	}
}

func (s *Service) relayMessage(ctx context.Context, inbound bus.InboundMessage) {
	outcome := s.relay.Handle(ctx, relay.Trigger{
		Kind:    relay.KindBot,
		Method:  relay.MethodMessage,
		Channel: inbound.Channel,
		ChatID:  inbound.ChatID,
		Content: inbound.Content,
	})

	reply, ok := botReply(outcome)
	if !ok {
		return
	}

	outbound := bus.OutboundMessage{
		Channel:   inbound.Channel,
		ChatID:    inbound.ChatID,
		TriggerID: outcome.TriggerID,
		Content:   reply,
	}
	if inbound.MessageID != "" {
		outbound.Metadata = map[string]string{bus.MetadataReplyTo: inbound.MessageID}
	}

	if !s.bus.PublishOutbound(ctx, outbound) {
		s.log.Warn("Reply dropped, relay is shutting down", "trigger_id", outcome.TriggerID, "channel", inbound.Channel)
	}
}

// botReply picks the chat text for an outcome. Chat platforms reject empty
// messages, so an empty inspiration gets a fixed notice.
func botReply(outcome relay.Outcome) (string, bool) {
	switch outcome.State {
	case relay.StateDelivered:
		if strings.TrimSpace(outcome.Text) == "" {
			return botEmptyReply, true
		}
		return outcome.Text, true
	case relay.StateUpstreamFailed:
		return botFailureReply, true
	default:
		return "", false
	}
}

// deliveryLoop routes each reply to the adapter it came from.
func (s *Service) deliveryLoop(ctx context.Context) error {
	for {
		outbound, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return nil
		}

		adapter, found := s.adapters[outbound.Channel]
		if !found {
			s.log.Warn("No adapter for reply", "channel", outbound.Channel, "trigger_id", outbound.TriggerID)
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := adapter.Send(sendCtx, outbound); err != nil {
				s.log.Error("Failed to send reply", "channel", outbound.Channel, "chat_id", outbound.ChatID, "trigger_id", outbound.TriggerID, "error", err)
			}
		}()
	}
}

// watchEvents folds lifecycle events into the status counters.
func (s *Service) watchEvents(events <-chan bus.Event) {
	for event := range events {
		s.recordEvent(event)
	}
}

func (s *Service) recordEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggers[event.Type]++
	switch event.Type {
	case bus.EventTriggerDelivered:
		s.upstreamLastOKAt = event.At
		s.upstreamLastErr = ""
	case bus.EventTriggerFailed:
		s.upstreamLastErr = event.Error
	}
}

// ListenAddr returns the bound HTTP address while the server is running.
func (s *Service) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

func (s *Service) setServing(addr string, serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = serving
	s.listenAddr = addr
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

// isReady requires the HTTP listener and every configured bot channel to be up.
// Upstream health is only reported on /statusz, so readiness costs no
// upstream calls.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.serving {
		return false
	}
	for _, state := range s.channelStates {
		if !state.Running {
			return false
		}
	}

	return true
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	triggers := make(map[string]int64, len(s.triggers))
	for eventType, count := range s.triggers {
		triggers[string(eventType)] = count
	}

	upstreamLastOK := ""
	if !s.upstreamLastOKAt.IsZero() {
		upstreamLastOK = s.upstreamLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		UpstreamLastOKAt: upstreamLastOK,
		UpstreamLastErr:  s.upstreamLastErr,
		Channels:         channels,
		Triggers:         triggers,
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
