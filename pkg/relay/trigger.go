package relay

import "net/http"

// Kind is the transport shape a trigger arrived on.
type Kind string

const (
	// KindSlashCommand is a chat platform slash-command callback: POST with a
	// URL-encoded body, answered with a JSON envelope.
	KindSlashCommand Kind = "slash_command"
	// KindPlainText is a GET with the token in the query, answered with raw text.
	KindPlainText Kind = "plain_text"
	// KindBot is a chat message received over a persistent bot connection.
	KindBot Kind = "bot"
)

// MethodMessage is the event kind carried by bot triggers in place of an HTTP method.
const MethodMessage = "MESSAGE"

// State is one step of the per-trigger state machine.
type State string

const (
	StateReceived       State = "received"
	StateAuthenticating State = "authenticating"
	StateUnauthorized   State = "unauthorized"
	StateDispatching    State = "dispatching"
	StateNotDispatched  State = "not_dispatched"
	StateFetching       State = "fetching"
	StateDelivered      State = "delivered"
	StateUpstreamFailed State = "upstream_failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateUnauthorized, StateNotDispatched, StateDelivered, StateUpstreamFailed:
		return true
	default:
		return false
	}
}

// Trigger is one inbound authenticate-and-dispatch attempt.
type Trigger struct {
	ID   string
	Kind Kind
	// Method is the HTTP method, or MethodMessage for bot triggers.
	Method string
	// Credential is the raw URL-encoded body (slash command) or raw query
	// (plain text). Bot triggers carry none.
	Credential string

	// Bot reply target.
	Channel string
	ChatID  string
	Content string
}

// dispatchMethod is the only method each kind fetches for.
var dispatchMethod = map[Kind]string{
	KindSlashCommand: http.MethodPost,
	KindPlainText:    http.MethodGet,
	KindBot:          MethodMessage,
}

// Outcome is the single terminal result of a trigger.
//
// HTTP transports write StatusCode, ContentType and Body. Bot transports push
// Text into the chat when State is StateDelivered.
type Outcome struct {
	TriggerID   string
	State       State
	StatusCode  int
	ContentType string
	Body        []byte
	Text        string
	Err         error
}

// Delivered reports whether the trigger produced an inspiration.
func (o Outcome) Delivered() bool {
	return o.State == StateDelivered
}
