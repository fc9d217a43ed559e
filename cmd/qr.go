package main

import (
	"flag"
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/zapbridge/zapbridge/internal/config"
)

type qrResponse struct {
	QR   string `json:"qr"`
	Code string `json:"code"`
}

func runQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	addr := fs.String("addr", config.DefaultAddr, "Gateway address")
	token := fs.String("token", "", "API bearer token")
	raw := fs.Bool("raw", false, "Print the raw pairing code instead of rendering")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var resp qrResponse
	if err := apiGet(*addr, *token, "/session/qr", &resp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *raw {
		fmt.Fprintln(stdout, resp.Code)
		return 0
	}

	qr, err := qrcode.New(resp.Code, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to render QR code: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Scan this QR code with WhatsApp (Linked Devices):")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, qr.ToSmallString(false))
	return 0
}
