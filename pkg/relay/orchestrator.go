// Package relay runs the authenticate, dispatch, fetch and respond sequence for
// one trigger at a time. Callers run Handle on their own goroutine per trigger;
// the orchestrator itself holds no per-trigger state.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"muse/pkg/bus"
	"muse/pkg/fault"
	"muse/pkg/logger"
	"muse/pkg/upstream"

	"github.com/google/uuid"
)

const (
	ResponseTypeEphemeral = "ephemeral"

	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

// Authorizer decides whether a credential is recognized.
type Authorizer interface {
	AuthorizeForm(body string) bool
	AuthorizeQuery(rawQuery string) bool
	AuthorizeChannel() bool
}

// Fetcher performs the single upstream call for a trigger.
type Fetcher interface {
	Fetch(ctx context.Context) (upstream.Result, error)
}

// EventPublisher receives lifecycle events. Publishing must not block.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Envelope is the slash-command response body.
type Envelope struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

type Orchestrator struct {
	authn   Authorizer
	fetcher Fetcher
	events  EventPublisher
	log     *slog.Logger
}

// New wires an orchestrator. events may be nil.
func New(authn Authorizer, fetcher Fetcher, events EventPublisher, log *slog.Logger) (*Orchestrator, error) {
	if authn == nil {
		return nil, errors.New("authorizer is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		authn:   authn,
		fetcher: fetcher,
		events:  events,
		log:     log.With("component", "relay.orchestrator"),
	}, nil
}

// Handle drives one trigger to exactly one terminal Outcome.
//
// The credential is checked before the method, and the fetcher is called at
// most once, only for an authorized trigger of the dispatchable shape.
func (o *Orchestrator) Handle(ctx context.Context, trigger Trigger) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}

	log := logger.ForTrigger(o.log, trigger.ID, string(trigger.Kind))
	startedAt := time.Now()
	o.publish(ctx, trigger, bus.EventTriggerReceived, 0, nil)
	log.Debug("Trigger received", "method", trigger.Method, "state", StateReceived)

	log.Debug("Trigger transition", "state", StateAuthenticating)
	if !o.authorize(trigger) {
		denied := fault.AuthenticationDenied(map[string]any{"trigger_id": trigger.ID})
		log.Info("Trigger denied", "state", StateUnauthorized)
		return o.finish(ctx, trigger, Outcome{
			State:      StateUnauthorized,
			StatusCode: http.StatusForbidden,
			Err:        denied,
		})
	}

	log.Debug("Trigger transition", "state", StateDispatching)
	if !dispatchable(trigger) {
		log.Info("Trigger not dispatched", "state", StateNotDispatched, "method", trigger.Method)
		return o.finish(ctx, trigger, Outcome{
			State:      StateNotDispatched,
			StatusCode: http.StatusNotFound,
		})
	}

	log.Debug("Trigger transition", "state", StateFetching)
	result, err := o.fetcher.Fetch(ctx)
	if err != nil {
		log.Error("Upstream fetch failed", "state", StateUpstreamFailed, "error", err, "duration_ms", time.Since(startedAt).Milliseconds())
		return o.finish(ctx, trigger, Outcome{
			State:      StateUpstreamFailed,
			StatusCode: fault.StatusCode(err, http.StatusBadGateway),
			Err:        err,
		})
	}
	if result.Anomaly != nil {
		log.Warn("Upstream body could not be decoded, relaying empty text", "error", result.Anomaly)
	}

	outcome, err := shape(trigger.Kind, result.Text)
	if err != nil {
		log.Error("Failed to format reply", "error", err)
		return o.finish(ctx, trigger, Outcome{
			State:      StateUpstreamFailed,
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		})
	}

	log.Info("Trigger delivered", "state", StateDelivered, "bytes", len(outcome.Body), "duration_ms", time.Since(startedAt).Milliseconds())
	return o.finish(ctx, trigger, outcome)
}

func (o *Orchestrator) authorize(trigger Trigger) bool {
	switch trigger.Kind {
	case KindSlashCommand:
		return o.authn.AuthorizeForm(trigger.Credential)
	case KindPlainText:
		return o.authn.AuthorizeQuery(trigger.Credential)
	case KindBot:
		return o.authn.AuthorizeChannel()
	default:
		return false
	}
}

func dispatchable(trigger Trigger) bool {
	want, ok := dispatchMethod[trigger.Kind]
	if !ok || trigger.Method != want {
		return false
	}
	if trigger.Kind == KindBot && trigger.Content == "" {
		return false
	}

	return true
}

// shape formats inspiration text for the transport it is going back over.
func shape(kind Kind, text string) (Outcome, error) {
	switch kind {
	case KindSlashCommand:
		body, err := encodeEnvelope(text)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			State:       StateDelivered,
			StatusCode:  http.StatusOK,
			ContentType: contentTypeJSON,
			Body:        body,
			Text:        text,
		}, nil
	case KindPlainText:
		return Outcome{
			State:       StateDelivered,
			StatusCode:  http.StatusOK,
			ContentType: contentTypeText,
			Body:        []byte(text),
			Text:        text,
		}, nil
	case KindBot:
		return Outcome{State: StateDelivered, StatusCode: http.StatusOK, Text: text}, nil
	default:
		return Outcome{}, fmt.Errorf("no reply format for trigger kind %q", kind)
	}
}

// encodeEnvelope renders the slash-command body without HTML escaping, so the
// text reaches the chat exactly as the upstream produced it.
func encodeEnvelope(text string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{ResponseType: ResponseTypeEphemeral, Text: text}); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (o *Orchestrator) finish(ctx context.Context, trigger Trigger, outcome Outcome) Outcome {
	outcome.TriggerID = trigger.ID

	eventType := bus.EventTriggerDelivered
	switch outcome.State {
	case StateUnauthorized:
		eventType = bus.EventTriggerDenied
	case StateNotDispatched:
		eventType = bus.EventTriggerNotDispatched
	case StateUpstreamFailed:
		eventType = bus.EventTriggerFailed
	}
	o.publish(ctx, trigger, eventType, outcome.StatusCode, outcome.Err)

	return outcome
}

func (o *Orchestrator) publish(ctx context.Context, trigger Trigger, eventType bus.EventType, status int, err error) {
	if o.events == nil {
		return
	}

	event := bus.Event{
		Type:      eventType,
		TriggerID: trigger.ID,
		Kind:      string(trigger.Kind),
		Channel:   trigger.Channel,
		ChatID:    trigger.ChatID,
		Status:    status,
	}
	if err != nil {
		event.Error = err.Error()
	}

	// Publishing is best effort; a closed bus must not change the outcome.
	_ = o.events.PublishEvent(context.WithoutCancel(ctx), event)
}
