package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// signatureHeader is the header Kontent.ai signs deliveries with.
// http.Header.Get canonicalizes, so lookups are case-insensitive.
const signatureHeader = "X-Kontent-ai-Signature"

// verifySignature reports whether signature is the base64 HMAC-SHA256 of
// body keyed with secret. It never panics; empty inputs and malformed
// headers are simply not authentic.
func verifySignature(body []byte, secret, signature string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	given, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(given) != sha256.Size {
		return false
	}

	// hmac.Equal runs in constant time for equal-length inputs.
	return hmac.Equal(given, computeMAC(body, secret))
}

// signBody returns the header value Kontent.ai would send for body.
func signBody(body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(computeMAC(body, secret))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
