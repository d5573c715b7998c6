package qr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vincent-petithory/dataurl"
)

func TestDataURL(t *testing.T) {
	t.Parallel()
	r := NewRenderer(false, nil)

	got, err := r.DataURL("2@abcdef,ghijk,lmnop")
	if err != nil {
		t.Fatal(err)
	}
	du, err := dataurl.DecodeString(got)
	if err != nil {
		t.Fatalf("not a data URL: %v", err)
	}
	if du.ContentType() != "image/png" || !bytes.HasPrefix(du.Data, []byte("\x89PNG")) {
		t.Fatalf("unexpected payload %s", du.ContentType())
	}

	passthrough := "data:image/png;base64,AAAA"
	if got, _ := r.DataURL(passthrough); got != passthrough {
		t.Fatalf("existing data URL was re-encoded: %q", got)
	}
	if _, err := r.DataURL(""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestPrintTerminal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	if NewRenderer(false, &buf).PrintTerminal("acme", "2@abc") {
		t.Fatal("disabled renderer should not print")
	}
	if buf.Len() != 0 {
		t.Fatal("disabled renderer wrote output")
	}

	r := NewRenderer(true, &buf)
	if !r.PrintTerminal("acme", "2@abc") {
		t.Fatal("expected output")
	}
	if !strings.Contains(buf.String(), "instance acme") || buf.Len() < 100 {
		t.Fatalf("unexpected terminal output %q", buf.String())
	}
}
