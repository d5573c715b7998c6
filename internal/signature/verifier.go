package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
)

// Headers checked for a signature, in order.
var Headers = []string{
	"X-Signature",
	"X-Hub-Signature-256",
	"X-Hub-Signature",
	"X-Evolution-Signature",
}

// Verifier validates webhook bodies against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier. An empty secret puts it in pass-through mode.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is not set. Webhook signature validation disabled.")
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether signatures are enforced.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks the signature in headers against body, which must be the raw
// request bytes exactly as received.
func (v *Verifier) Verify(body []byte, headers http.Header) error {
	if !v.Enabled() {
		log.Debug().Msg("Webhook secret not configured, skipping signature validation")
		return nil
	}

	provided := ""
	for _, name := range Headers {
		if value := strings.TrimSpace(headers.Get(name)); value != "" {
			provided = value
			break
		}
	}
	if provided == "" {
		return apperrors.Signature("missing webhook signature")
	}

	newHash, digestHex := algorithmFor(provided)
	if newHash == nil {
		return apperrors.Signature("unrecognized signature format")
	}
	got, err := hex.DecodeString(digestHex)
	if err != nil {
		return apperrors.Signature("signature is not valid hex")
	}

	mac := hmac.New(newHash, v.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return apperrors.Signature("invalid webhook signature")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body. The gateway side and tests use it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// algorithmFor picks the hash from an explicit prefix or, without one, from
// the digest length.
func algorithmFor(sig string) (func() hash.Hash, string) {
	lower := strings.ToLower(sig)
	switch {
	case strings.HasPrefix(lower, "sha256="):
		return sha256.New, sig[len("sha256="):]
	case strings.HasPrefix(lower, "sha1="):
		return sha1.New, sig[len("sha1="):]
	}
	switch len(sig) {
	case sha256.Size * 2:
		return sha256.New, sig
	case sha1.Size * 2:
		return sha1.New, sig
	}
	return nil, ""
}
