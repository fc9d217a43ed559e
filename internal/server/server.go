// Package server exposes the gateway's HTTP API: session status and
// pairing QR retrieval, disconnect/restart controls, message sending, and
// a WebSocket stream of session state changes.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zapbridge/zapbridge/internal/auth"
	"github.com/zapbridge/zapbridge/internal/dispatch"
	"github.com/zapbridge/zapbridge/internal/session"
)

// SessionController is the slice of the lifecycle manager the API needs.
type SessionController interface {
	Status() session.Snapshot
	Disconnect(ctx context.Context)
	Restart(ctx context.Context) error
}

// Sender executes the message dispatch protocol.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on.
	Addr string

	// Verifier checks API bearer tokens. Required.
	Verifier *auth.TokenVerifier

	// Sessions is the lifecycle manager. Required.
	Sessions SessionController

	// Sender dispatches outbound messages. Required.
	Sender Sender

	// SendRatePerMin caps accepted send requests per minute. Zero
	// disables the limit.
	SendRatePerMin int

	// SendBurst is the burst size for the send limit.
	SendBurst int
}

// Server is the HTTP API server. It owns no session state; every handler
// delegates to the lifecycle manager or the dispatcher.
type Server struct {
	addr        string
	verifier    *auth.TokenVerifier
	sessions    SessionController
	sender      Sender
	sendLimiter *rate.Limiter

	upgrader   websocket.Upgrader
	httpServer *http.Server
	started    time.Time

	mu      sync.Mutex
	clients map[*eventClient]bool
	stopped bool
}

// New creates a server from options.
func New(opts Options) *Server {
	var limiter *rate.Limiter
	if opts.SendRatePerMin > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(opts.SendRatePerMin)/60.0), burst)
	}

	return &Server{
		addr:        opts.Addr,
		verifier:    opts.Verifier,
		sessions:    opts.Sessions,
		sender:      opts.Sender,
		sendLimiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is token-gated; browser origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*eventClient]bool),
		started: time.Now(),
	}
}

// Start begins serving in a goroutine and returns any startup error.
// The listener is created synchronously so a port conflict surfaces
// immediately instead of after the caller has moved on.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	go func() {
		log.Printf("server: API listening on %s", s.addr)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

// Stop gracefully shuts the server down: event stream clients get a close
// frame, in-flight requests drain until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*eventClient]bool)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
