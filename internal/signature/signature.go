// Package signature authenticates gateway webhooks.
//
// The HMAC is always computed over the raw request body exactly as received.
// Decoding the JSON first and hashing a re-encoded form is not equivalent and
// is not supported.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const headerPrefix = "sha256="

type Result int

const (
	Valid Result = iota
	InvalidSignature
	MalformedPayload
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case InvalidSignature:
		return "invalid_signature"
	case MalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// Verify checks signatureHeader against HMAC-SHA256(secret, rawBody).
func Verify(rawBody []byte, signatureHeader string, secret []byte) Result {
	header := strings.TrimSpace(signatureHeader)
	if len(header) >= len(headerPrefix) && strings.EqualFold(header[:len(headerPrefix)], headerPrefix) {
		header = strings.TrimSpace(header[len(headerPrefix):])
	}
	if header == "" || len(secret) == 0 {
		return InvalidSignature
	}

	decoded, err := hex.DecodeString(header)
	if err != nil || len(decoded) != sha256.Size {
		return MalformedPayload
	}

	if !hmac.Equal(decoded, compute(rawBody, secret)) {
		return InvalidSignature
	}
	return Valid
}

// Sign returns the hex header value for rawBody.
func Sign(rawBody []byte, secret []byte) string {
	return hex.EncodeToString(compute(rawBody, secret))
}

func compute(rawBody []byte, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(rawBody)
	return mac.Sum(nil)
}
