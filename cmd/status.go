package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/zapbridge/zapbridge/internal/config"
)

type statusResponse struct {
	Status string `json:"status"`
	QR     string `json:"qr"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int    `json:"uptimeSeconds"`
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", config.DefaultAddr, "Gateway address")
	token := fs.String("token", "", "API bearer token")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var health healthResponse
	if err := apiGet(*addr, *token, "/health", &health); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var resp statusResponse
	if err := apiGet(*addr, *token, "/session/status", &resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]any{
			"gateway": health,
			"session": resp,
		})
		return 0
	}

	fmt.Fprintf(stdout, "Gateway: %s (up %ds)\n", health.Status, health.UptimeSeconds)
	fmt.Fprintf(stdout, "Session: %s\n", resp.Status)
	if resp.QR != "" {
		fmt.Fprintln(stdout, "Pairing QR pending. Run 'zapbridge qr' to display it.")
	}
	return 0
}
