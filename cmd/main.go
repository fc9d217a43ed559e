package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `zapbridge - single-session WhatsApp Web HTTP gateway

Usage:
  zapbridge <command> [options]

Commands:
  init               Write a starter config file with a generated API token
  serve              Start the gateway (connects or raises a pairing QR)
  status             Show the running gateway's session status
  qr                 Fetch the pending pairing QR and render it in the terminal
  hash-token <token> Print a bcrypt hash for the api_token_hash config key

Run 'zapbridge <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "qr":
		return runQR(args[2:], stdout, stderr)
	case "hash-token":
		return runHashToken(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "zapbridge %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
