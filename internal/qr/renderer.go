// Package qr renders gateway pairing codes for the CRM UI and the terminal.
package qr

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

const pngSize = 256

// Renderer turns QR payloads into images.
type Renderer struct {
	terminal bool
	out      io.Writer
}

// NewRenderer returns a Renderer. When terminal is true PrintTerminal writes
// to out, which defaults to stdout.
func NewRenderer(terminal bool, out io.Writer) *Renderer {
	if out == nil {
		out = os.Stdout
	}
	return &Renderer{terminal: terminal, out: out}
}

// DataURL returns a PNG data URL for code. A code that is already a data
// URL is returned unchanged.
func (r *Renderer) DataURL(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("QR code cannot be empty")
	}
	if strings.HasPrefix(code, "data:image/") {
		return code, nil
	}
	png, err := qrcode.Encode(code, qrcode.Medium, pngSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return dataurl.New(png, "image/png").String(), nil
}

// PrintTerminal writes code as half-block characters when terminal output
// is enabled. It reports whether anything was printed.
func (r *Renderer) PrintTerminal(instanceName, code string) bool {
	if !r.terminal || code == "" || strings.HasPrefix(code, "data:") {
		return false
	}
	fmt.Fprintf(r.out, "QR code for instance %s:\n", instanceName)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, r.out)
	return true
}
