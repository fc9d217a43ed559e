// Package dispatch executes the human-like send protocol: an optional
// typing indicator phase, a short randomized delay, then the actual send
// or in-place edit over the live session.
package dispatch

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	apperrors "github.com/zapbridge/zapbridge/internal/errors"
	"github.com/zapbridge/zapbridge/internal/transport"
)

const (
	// userSuffix is the canonical user-address suffix.
	userSuffix = "@s.whatsapp.net"

	// minDelaySeconds and maxDelaySeconds bound both the typing phase and
	// the pre-send delay. Values outside the range are clamped, not
	// rejected; callers asking for a 20 second typing phase get 15.
	minDelaySeconds = 1
	maxDelaySeconds = 15
)

// Request describes one outbound text message or text edit.
type Request struct {
	// Destination is a phone number in any human format, or an
	// already-qualified address (group addresses pass through unchanged).
	Destination string

	// Body is the plain-text content.
	Body string

	// TypingDelaySeconds, when > 0, emits a "composing" presence signal,
	// waits the (clamped) duration, then emits "paused" before sending.
	// Zero skips the typing phase.
	TypingDelaySeconds int

	// SendDelaySeconds, when > 0, is the (clamped) pause before the send.
	// Zero picks a uniformly random delay of 1, 2 or 3 seconds.
	SendDelaySeconds int

	// EditTargetID, when non-empty, edits the previously sent message
	// with that id instead of sending a new one.
	EditTargetID string
}

// Result is the delivery acknowledgment returned to the caller.
type Result struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnProvider yields the live transport handle, or nil when the session
// is not open. Satisfied by the session manager.
type ConnProvider interface {
	Conn() transport.Conn
}

// Options allows tests to replace timing and randomness.
type Options struct {
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
	// RandInt returns a uniform value in [0,n); defaults to math/rand.
	RandInt func(n int) int
}

// Dispatcher sends messages over whatever connection is currently live.
// It holds no state of its own; connection-state gating happens per call.
type Dispatcher struct {
	sessions ConnProvider
	sleep    func(time.Duration)
	randInt  func(n int) int
}

// NewDispatcher creates a dispatcher reading the live connection from sessions.
func NewDispatcher(sessions ConnProvider, opts Options) *Dispatcher {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	randInt := opts.RandInt
	if randInt == nil {
		randInt = rand.Intn
	}
	return &Dispatcher{
		sessions: sessions,
		sleep:    sleep,
		randInt:  randInt,
	}
}

// Send runs the full dispatch protocol for one request. Fails with
// session.not_connected before touching the transport unless the session
// is open; transport failures surface as message.send_failed.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	conn := d.sessions.Conn()
	if conn == nil {
		return Result{}, apperrors.NotConnected()
	}

	to, err := CanonicalDestination(req.Destination)
	if err != nil {
		return Result{}, err
	}

	if secs := clampTyping(req.TypingDelaySeconds); secs > 0 {
		// Presence failures never abort the send; the typing phase is
		// cosmetic pacing, not delivery.
		if err := conn.Presence(ctx, to, true); err != nil {
			log.Printf("dispatch: composing presence failed: %v", err)
		}
		d.sleep(time.Duration(secs) * time.Second)
		if err := conn.Presence(ctx, to, false); err != nil {
			log.Printf("dispatch: paused presence failed: %v", err)
		}
	}

	d.sleep(d.sendDelay(req.SendDelaySeconds))

	receipt, err := conn.Send(ctx, transport.Message{
		To:           to,
		Body:         req.Body,
		EditTargetID: req.EditTargetID,
	})
	if err != nil {
		return Result{}, apperrors.SendFailed(err)
	}

	if req.EditTargetID != "" {
		log.Printf("dispatch: edited message %s for %s", receipt.ID, to)
	} else {
		log.Printf("dispatch: sent message %s to %s", receipt.ID, to)
	}
	return Result{MessageID: receipt.ID, Timestamp: receipt.Timestamp}, nil
}

// CanonicalDestination resolves a human-entered destination into the
// address format the transport requires. Already-qualified addresses
// (group or user JIDs) pass through unchanged; anything else is treated
// as a phone number: all non-digits are stripped and the user suffix
// appended.
func CanonicalDestination(dst string) (string, error) {
	if strings.Contains(dst, "@") {
		return dst, nil
	}
	var b strings.Builder
	for _, r := range dst {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", apperrors.InvalidRequest("destination contains no digits")
	}
	return b.String() + userSuffix, nil
}

func clampTyping(secs int) int {
	if secs <= 0 {
		return 0
	}
	if secs > maxDelaySeconds {
		return maxDelaySeconds
	}
	return secs
}

func (d *Dispatcher) sendDelay(secs int) time.Duration {
	if secs <= 0 {
		secs = minDelaySeconds + d.randInt(3)
	} else if secs > maxDelaySeconds {
		secs = maxDelaySeconds
	}
	return time.Duration(secs) * time.Second
}
