package main

import (
	"fmt"
	"io"

	"github.com/zapbridge/zapbridge/internal/auth"
)

func runHashToken(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintln(stderr, "Usage: zapbridge hash-token <token>")
		return 1
	}

	hash, err := auth.HashToken(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Add this to your config file:")
	fmt.Fprintf(stdout, "api_token_hash = %q\n", hash)
	return 0
}
