// Package protocol defines the control messages exchanged between the
// connection owner and its consumer, the connection state enum, and the
// canonical list of server-pushed event names.
//
// The two message unions are sealed: Outbound messages travel consumer →
// owner, Inbound messages travel owner → consumer. Every request-shaped
// outbound message carries a correlation id and is answered by exactly one
// inbound result carrying the same id; the owner never invents ids.
package protocol

import (
	"encoding/json"
	"log/slog"
)

// State is the connection owner's lifecycle state, mirrored read-only in the
// proxy through StateChange messages.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Events is the single source of truth for server-pushed event names. The
// transport pre-registers a listener for every entry before connecting;
// adding a new server event means adding it here, not registering ad hoc.
var Events = []string{
	"MessageCreated",
	"MessageUpdated",
	"MessageDeleted",
	"ReactionAdded",
	"ReactionRemoved",
	"TypingStarted",
	"ChannelCreated",
	"ChannelUpdated",
	"ChannelDeleted",
	"ServerUpdated",
	"MemberJoined",
	"MemberLeft",
	"MemberUpdated",
	"PresenceUpdated",
	"VoiceParticipantJoined",
	"VoiceParticipantLeft",
	"VoiceParticipantUpdated",
	"ScreenShareStarted",
	"ScreenShareStopped",
	"WatchPartyStarted",
	"WatchPartyStateChanged",
	"WatchPartyEnded",
}

// Outbound is a message sent by the consumer to the connection owner.
type Outbound interface {
	// Kind returns the wire discriminator for the message.
	Kind() string
	outbound()
}

// Inbound is a message sent by the connection owner to the consumer.
type Inbound interface {
	Kind() string
	inbound()
}

// Outbound messages.

// Init stores the hub target address. Must precede Start; idempotent.
type Init struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Start opens the hub connection. Answered by Started or StartError.
type Start struct{}

// Stop tears the connection down intentionally. Answered by Stopped.
type Stop struct{}

// Suspend tears the transport down without scheduling a reconnect, used when
// the host surface is going away but a logical reset is undesired.
type Suspend struct{}

// Reset drops the connection object entirely without a graceful close, used
// on credential invalidation.
type Reset struct{}

// Invoke runs a hub method. Answered by exactly one InvokeResult.
type Invoke struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// TokenResponse answers a TokenRequest. An empty token reports that no valid
// credential could be produced.
type TokenResponse struct {
	ID    uint64 `json:"id"`
	Token string `json:"token"`
}

// VisibilityChange pushes the host surface's foreground/background state.
type VisibilityChange struct {
	Hidden bool `json:"hidden"`
}

// FocusReconnect requests a fast liveness check after the host surface
// became visible. Answered by FocusReconnectResult.
type FocusReconnect struct {
	ID               uint64 `json:"id"`
	RestartOnFailure bool   `json:"restartOnFailure"`
}

// EnsureConnected requests a guaranteed-live connection before an
// interactive action. Answered by EnsureConnectedResult.
type EnsureConnected struct {
	ID uint64 `json:"id"`
}

func (Init) Kind() string             { return "init" }
func (Start) Kind() string            { return "start" }
func (Stop) Kind() string             { return "stop" }
func (Suspend) Kind() string          { return "suspend" }
func (Reset) Kind() string            { return "reset" }
func (Invoke) Kind() string           { return "invoke" }
func (TokenResponse) Kind() string    { return "token-response" }
func (VisibilityChange) Kind() string { return "visibility-change" }
func (FocusReconnect) Kind() string   { return "focus-reconnect" }
func (EnsureConnected) Kind() string  { return "ensure-connected" }

func (Init) outbound()             {}
func (Start) outbound()            {}
func (Stop) outbound()             {}
func (Suspend) outbound()          {}
func (Reset) outbound()            {}
func (Invoke) outbound()           {}
func (TokenResponse) outbound()    {}
func (VisibilityChange) outbound() {}
func (FocusReconnect) outbound()   {}
func (EnsureConnected) outbound()  {}

// Inbound messages.

// Event is a server-pushed event forwarded verbatim; arguments stay raw so
// consumers decode their own payloads.
type Event struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// InvokeResult answers one Invoke.
type InvokeResult struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StateChange mirrors every owner state transition.
type StateChange struct {
	State State `json:"state"`
}

// Reconnecting reports that the transport dropped and a reconnect is under
// way.
type Reconnecting struct {
	Error string `json:"error,omitempty"`
}

// Reconnected reports that a reconnect completed.
type Reconnected struct{}

// Closed reports that the connection closed. Intentional closes are expected
// to stay silent on the consumer's close callbacks.
type Closed struct {
	Error       string `json:"error,omitempty"`
	Intentional bool   `json:"intentional"`
}

// TokenRequest asks the consumer for a currently-valid bearer token.
// Answered by TokenResponse; only the most recent outstanding id is honored.
type TokenRequest struct {
	ID uint64 `json:"id"`
}

// Started reports a successful Start.
type Started struct{}

// StartError reports a failed Start.
type StartError struct {
	Error string `json:"error"`
}

// Stopped reports a completed Stop.
type Stopped struct{}

// FocusReconnectResult answers one FocusReconnect.
type FocusReconnectResult struct {
	ID    uint64 `json:"id"`
	Alive bool   `json:"alive"`
}

// EnsureConnectedResult answers one EnsureConnected.
type EnsureConnectedResult struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Log relays an owner-side log record for rendering on the consumer side.
type Log struct {
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
}

func (Event) Kind() string                 { return "event" }
func (InvokeResult) Kind() string          { return "invoke-result" }
func (StateChange) Kind() string           { return "state-change" }
func (Reconnecting) Kind() string          { return "reconnecting" }
func (Reconnected) Kind() string           { return "reconnected" }
func (Closed) Kind() string                { return "closed" }
func (TokenRequest) Kind() string          { return "token-request" }
func (Started) Kind() string               { return "started" }
func (StartError) Kind() string            { return "start-error" }
func (Stopped) Kind() string               { return "stopped" }
func (FocusReconnectResult) Kind() string  { return "focus-reconnect-result" }
func (EnsureConnectedResult) Kind() string { return "ensure-connected-result" }
func (Log) Kind() string                   { return "log" }

func (Event) inbound()                 {}
func (InvokeResult) inbound()          {}
func (StateChange) inbound()           {}
func (Reconnecting) inbound()          {}
func (Reconnected) inbound()           {}
func (Closed) inbound()                {}
func (TokenRequest) inbound()          {}
func (Started) inbound()               {}
func (StartError) inbound()            {}
func (Stopped) inbound()               {}
func (FocusReconnectResult) inbound()  {}
func (EnsureConnectedResult) inbound() {}
func (Log) inbound()                   {}
