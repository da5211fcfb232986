package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only verification error, so responses and logs
// never reveal which check failed.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks signature against HMAC-SHA256(secret, body).
// Accepted formats are "sha256=<hex>" and plain "<hex>".
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(computeMAC(body, secret), actual) != 1 {
		return errVerification
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature for body, for clients and tests.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(computeMAC(body, secret))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
