package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySignature checks an HMAC-SHA256 signature over the event body.
// Accepts "sha256=<hex>" or plain hex. Errors are generic to avoid leaking
// which part of verification failed.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("event verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	hexSig := strings.TrimPrefix(signature, "sha256=")
	actual, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("event verification failed")
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("event verification failed")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a body. Exposed for
// clients and tests posting signed events.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
