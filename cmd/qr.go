package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// displayQR prints the viewer URL as a terminal QR code so a phone or
// tablet can open the review directly. Falls back to plain text when
// generation fails.
func displayQR(w io.Writer, url string) {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Open manually: %s\n", url)
		return
	}

	fmt.Fprintln(w, "")
	// ToSmallString(false) produces compact half-block output without a border.
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "  %s\n\n", url)
}
