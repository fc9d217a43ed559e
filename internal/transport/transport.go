// Package transport abstracts the connection to the WhatsApp Web network.
//
// The lifecycle manager and dispatcher depend only on the Transport and Conn
// interfaces defined here; the whatsmeow-backed implementation lives in this
// package as well. Keeping the boundary narrow makes the state machine
// testable with synthetic events and keeps protocol details out of the core.
package transport

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies a connection event delivered to subscribers.
type EventKind int

const (
	// EventCredentialsUpdated carries a fresh opaque credential snapshot
	// that must be persisted so the pairing survives a process restart.
	EventCredentialsUpdated EventKind = iota + 1

	// EventPairingChallenge carries a new raw pairing code that must be
	// presented to the operator (rendered as a QR) to link this device.
	EventPairingChallenge

	// EventConnectionOpened signals the session reached the open state.
	EventConnectionOpened

	// EventConnectionClosed signals the connection dropped, with a reason
	// code the lifecycle manager classifies as terminal or transient.
	EventConnectionClosed
)

// CloseReason is the numeric status code attached to a connection close.
// The values mirror the WhatsApp Web stream error codes.
type CloseReason int

const (
	// ReasonUnknown covers closes with no usable status code.
	ReasonUnknown CloseReason = 0

	// ReasonLoggedOut means the device was unlinked remotely. Terminal.
	ReasonLoggedOut CloseReason = 401

	// ReasonMethodNotAllowed signals a corrupted session. Terminal.
	ReasonMethodNotAllowed CloseReason = 405

	// ReasonRateLimited means the network refused the connection for now;
	// an immediate retry would be rejected, so the retry delay is longer.
	ReasonRateLimited CloseReason = 428

	// ReasonStreamReplaced means another client took over the session.
	ReasonStreamReplaced CloseReason = 440

	// ReasonRestartRequired is issued by the network right after pairing.
	ReasonRestartRequired CloseReason = 515
)

// String returns a short diagnostic label for logs.
func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonMethodNotAllowed:
		return "method_not_allowed"
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonStreamReplaced:
		return "stream_replaced"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("code_%d", int(r))
	}
}

// Event is a single connection event. Exactly the fields relevant to the
// Kind are populated; the rest are zero.
type Event struct {
	Kind        EventKind
	Challenge   string      // raw pairing code (EventPairingChallenge)
	Credentials []byte      // opaque snapshot blob (EventCredentialsUpdated)
	Reason      CloseReason // close status code (EventConnectionClosed)
}

// Handler consumes connection events. Handlers must not block; the
// lifecycle manager serializes state mutations internally.
type Handler func(Event)

// Message is a single outbound text message or text edit.
type Message struct {
	// To is the canonical destination address (user or group JID).
	To string

	// Body is the plain-text content.
	Body string

	// EditTargetID, when non-empty, turns the send into an in-place edit
	// of the previously sent message with that id.
	EditTargetID string
}

// Receipt is the network's acknowledgment of an accepted message.
type Receipt struct {
	ID        string
	Timestamp time.Time
}

// Conn is one live handle to the messaging network. Exactly one live
// handle exists at a time; it is exclusively owned by the lifecycle
// manager, which must Unsubscribe before any intentional teardown so that
// the resulting close event cannot trigger an automatic reconnect.
type Conn interface {
	// Subscribe registers h to receive connection events. Must be called
	// before Connect so no event is missed.
	Subscribe(h Handler)

	// Unsubscribe detaches all event delivery from this handle. Events
	// occurring afterwards are dropped.
	Unsubscribe()

	// Connect starts the network handshake. Progress is reported through
	// events, not the return value.
	Connect() error

	// Send delivers msg over the open session.
	Send(ctx context.Context, msg Message) (Receipt, error)

	// Presence emits a chat presence signal ("composing" when typing is
	// true, "paused" otherwise) to the destination.
	Presence(ctx context.Context, to string, typing bool) error

	// Logout terminates the connection and unlinks the device server-side.
	Logout(ctx context.Context) error

	// Close terminates the connection without logging out; credentials
	// remain valid for a later reconnect.
	Close()
}

// Transport creates connection handles bound to the stored credentials.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}
