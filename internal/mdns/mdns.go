// Package mdns provides optional mDNS/Bonjour service advertisement.
//
// When enabled, the gateway advertises itself on the local network using
// DNS-SD (DNS Service Discovery), allowing local clients and dashboards to
// discover it without manual IP entry. This is an opt-in feature.
//
// Discovery only reveals presence; the API token is still required.
package mdns

import (
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for zapbridge gateways.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_zapbridge._tcp"

// ProtocolVersion identifies the advertised API version for compatibility.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the API port to advertise (e.g., 8080).
	Port int

	// SessionID is the configured session identifier, included in TXT
	// records so multiple gateways on one network are distinguishable.
	SessionID string

	// Name is a human-readable name for this gateway.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// Start begins advertising the service via mDNS.
//
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "zapbridge"
		} else {
			name = hostname
		}
	}

	// TXT records give clients metadata before they connect. DNS TXT
	// records support up to 255 bytes per string; these are far below.
	txtRecords := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}
	if a.config.SessionID != "" {
		txtRecords = append(txtRecords, fmt.Sprintf("session=%s", a.config.SessionID))
	}

	server, err := zeroconf.Register(
		name,        // Instance name (e.g., "pi-gateway")
		ServiceType, // Service type
		"local.",    // Domain
		a.config.Port,
		txtRecords,
		nil, // Network interfaces (nil = all)
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the mDNS advertisement and unregisters the service.
// It is safe to call Stop multiple times or on an advertiser that
// was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
