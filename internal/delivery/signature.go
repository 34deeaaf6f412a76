package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers attached to every outbound delivery. Inbound webhook triggers
// that carry a secret are verified against the same format.
const (
	HeaderEvent     = "X-Hibiki-Event"
	HeaderDelivery  = "X-Hibiki-Delivery"
	HeaderTimestamp = "X-Hibiki-Timestamp"
	HeaderSignature = "X-Hibiki-Signature"

	signaturePrefix = "sha256="
)

// Errors returned by VerifyRequest.
var (
	ErrMissingSignature = errors.New("delivery: missing signature headers")
	ErrInvalidSignature = errors.New("delivery: invalid signature")
	ErrStaleTimestamp   = errors.New("delivery: timestamp outside tolerance")
)

// Sign returns the X-Hibiki-Signature value for body sent at timestamp:
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body and timestamp.
// The comparison is constant-time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(strings.TrimPrefix(Sign(secret, timestamp, body), signaturePrefix))
	return hmac.Equal(got, want)
}

// VerifyRequest checks the signature headers of an inbound request. A
// non-zero tolerance rejects timestamps further than tolerance from now.
func VerifyRequest(secret string, h http.Header, body []byte, now time.Time, tolerance time.Duration) error {
	ts := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return ErrMissingSignature
	}
	if tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ErrStaleTimestamp
		}
		skew := now.Sub(time.Unix(unix, 0))
		if skew < -tolerance || skew > tolerance {
			return ErrStaleTimestamp
		}
	}
	if !VerifySignature(secret, ts, body, sig) {
		return ErrInvalidSignature
	}
	return nil
}
