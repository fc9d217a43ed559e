package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zapbridge/zapbridge/internal/auth"
	"github.com/zapbridge/zapbridge/internal/config"
	"github.com/zapbridge/zapbridge/internal/creds"
	"github.com/zapbridge/zapbridge/internal/dispatch"
	"github.com/zapbridge/zapbridge/internal/mdns"
	"github.com/zapbridge/zapbridge/internal/qr"
	"github.com/zapbridge/zapbridge/internal/server"
	"github.com/zapbridge/zapbridge/internal/session"
	"github.com/zapbridge/zapbridge/internal/transport"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (default: ~/.zapbridge/config.toml)")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	apiToken := fs.String("api-token", "", "API bearer token (overrides config)")
	sessionID := fs.String("session", "", "Session identifier (overrides config)")
	dataDir := fs.String("data-dir", "", "Durable state directory (overrides config)")
	mdnsEnabled := fs.Bool("mdns", false, "Advertise the gateway via mDNS")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// CLI flags take precedence over file values.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *apiToken != "" {
		cfg.APIToken = *apiToken
	}
	if *sessionID != "" {
		cfg.SessionID = *sessionID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *mdnsEnabled {
		cfg.MdnsEnabled = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	return serve(cfg, stderr)
}

func serve(cfg *config.Config, stderr io.Writer) int {
	ctx := context.Background()

	store := creds.NewStore(cfg.DataDir, cfg.SessionID)
	if err := store.Ensure(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	wa := transport.NewWhatsApp(transport.Options{
		DatabasePath: store.DatabasePath(),
		ClientName:   "ZapBridge",
		LogLevel:     cfg.LogLevel,
	})

	manager := session.NewManager(wa, store, qr.NewCache(), session.Options{
		ReconnectDelay:         time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
		RateLimitDelay:         time.Duration(cfg.RateLimitDelayMs) * time.Millisecond,
		KeepCorruptCredentials: cfg.PurgeOnCorruption != nil && !*cfg.PurgeOnCorruption,
	})
	dispatcher := dispatch.NewDispatcher(manager, dispatch.Options{})

	var verifier *auth.TokenVerifier
	if cfg.APITokenHash != "" {
		verifier = auth.NewHashedTokenVerifier(cfg.APITokenHash)
	} else {
		verifier = auth.NewTokenVerifier(cfg.APIToken)
	}

	srv := server.New(server.Options{
		Addr:           cfg.Addr,
		Verifier:       verifier,
		Sessions:       manager,
		Sender:         dispatcher,
		SendRatePerMin: cfg.SendRatePerMin,
		SendBurst:      cfg.SendBurst,
	})
	manager.SetNotify(srv.BroadcastStatus)

	if err := <-srv.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		if port, err := listenPort(cfg.Addr); err != nil {
			log.Printf("main: mdns disabled: %v", err)
		} else {
			advertiser = mdns.NewAdvertiser(mdns.Config{Port: port, SessionID: cfg.SessionID})
			if err := advertiser.Start(); err != nil {
				log.Printf("main: mdns start failed: %v", err)
				advertiser = nil
			} else {
				log.Printf("main: advertising %s on port %d", mdns.ServiceType, port)
			}
		}
	}

	// Kick off the first connection attempt. Failures are logged, not
	// fatal: the API stays up and an operator can trigger a restart.
	go func() {
		if err := manager.Initialize(ctx); err != nil {
			log.Printf("main: initial connect failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("main: received %s, shutting down", sig)

	if advertiser != nil {
		advertiser.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("main: shutdown: %v", err)
	}
	return 0
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("cannot derive port from %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("cannot derive port from %q: %w", addr, err)
	}
	return port, nil
}
