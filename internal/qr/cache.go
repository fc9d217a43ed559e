// Package qr holds the latest pairing challenge for operator display.
//
// The cache is a pure value holder: only the lifecycle manager updates it,
// and the raw challenge and its rendered form are always set and cleared
// together. A rendered challenge exists exactly when a raw one does.
package qr

import (
	"encoding/base64"
	"fmt"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
)

// imageSize is the pixel width/height of the rendered QR PNG.
const imageSize = 256

// Challenge is a snapshot of the current pairing challenge.
type Challenge struct {
	// Raw is the challenge string issued by the network.
	Raw string

	// Rendered is a base64 PNG data URI of the QR code, suitable for
	// direct embedding in an <img> tag.
	Rendered string
}

// Cache stores the latest pairing challenge. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	current *Challenge
}

// NewCache returns an empty challenge cache.
func NewCache() *Cache {
	return &Cache{}
}

// Set replaces the cached challenge with a freshly rendered one.
func (c *Cache) Set(raw string) error {
	rendered, err := render(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = &Challenge{Raw: raw, Rendered: rendered}
	c.mu.Unlock()
	return nil
}

// Clear drops the cached challenge.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Get returns the latest challenge, or ok=false if none is pending.
func (c *Cache) Get() (Challenge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Challenge{}, false
	}
	return *c.current, true
}

// render encodes the raw challenge as a base64 PNG data URI.
func render(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("render pairing challenge: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
