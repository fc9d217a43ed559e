package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/zapbridge/zapbridge/internal/config"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (default: ~/.zapbridge/config.toml)")
	apiToken := fs.String("api-token", "", "API bearer token (default: generated)")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	token := *apiToken
	if token == "" {
		token = uuid.NewString()
	}

	if err := config.WriteDefault(path, token); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Config written to %s\n", path)
	fmt.Fprintf(stdout, "API token: %s\n", token)
	fmt.Fprintln(stdout, "Start the gateway with 'zapbridge serve'.")
	return 0
}
