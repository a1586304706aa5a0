// signing.go wraps the shared-secret request authentication used by the deploy webhook.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/example/deployer/internal/httperr"
)

// Verifier authenticates raw request bytes against an X-Signature header
// value using a process-wide shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for the given shared secret. The secret must
// be validated as non-empty at startup; an empty secret here would accept
// signatures computed over a well-known key.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Compute returns the hex-encoded HMAC-SHA-256 of data under the shared secret.
func (v *Verifier) Compute(data []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the supplied signature header against the HMAC of data.
// The comparison is constant time so response timing never narrows down the
// expected value.
func (v *Verifier) Verify(header string, data []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return httperr.Unauthorized("missing signature")
	}
	expected := v.Compute(data)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return httperr.Unauthorized("invalid signature")
	}
	return nil
}
