package delivery

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"type":"note.created"}`)
	sig := Sign("s3cret", "1767225600", body)

	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, VerifySignature("s3cret", "1767225600", body, sig))
	assert.False(t, VerifySignature("other", "1767225600", body, sig), "wrong secret")
	assert.False(t, VerifySignature("s3cret", "1767225601", body, sig), "wrong timestamp")
	assert.False(t, VerifySignature("s3cret", "1767225600", body, sig[len("sha256="):]), "missing prefix")
	assert.False(t, VerifySignature("s3cret", "1767225600", body, "sha256=zz"), "not hex")
}

func TestVerifySignatureDetectsAnyFlippedByte(t *testing.T) {
	body := []byte(`{"id":"abc","data":{"note":{"title":"hi"}}}`)
	sig := Sign("k", "42", body)
	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.False(t, VerifySignature("k", "42", tampered, sig), "byte %d", i)
	}
}

func TestSignKnownVector(t *testing.T) {
	assert.Equal(t,
		"sha256=a438e398bfafc57e4396bb7fc2304422f0f768e965d073ca313cb52e22e6ad03",
		Sign("key", "1700000000", []byte(`{"a":1}`)))
}

func TestVerifyRequest(t *testing.T) {
	now := time.Unix(1767225600, 0)
	body := []byte(`{"ref":"main"}`)
	headers := func(ts time.Time, secret string) http.Header {
		h := http.Header{}
		stamp := strconv.FormatInt(ts.Unix(), 10)
		h.Set(HeaderTimestamp, stamp)
		h.Set(HeaderSignature, Sign(secret, stamp, body))
		return h
	}

	require.NoError(t, VerifyRequest("k", headers(now, "k"), body, now, 5*time.Minute))
	require.NoError(t, VerifyRequest("k", headers(now.Add(-time.Hour), "k"), body, now, 0), "zero tolerance skips the age check")

	assert.ErrorIs(t, VerifyRequest("k", http.Header{}, body, now, time.Minute), ErrMissingSignature)
	assert.ErrorIs(t, VerifyRequest("k", headers(now, "wrong"), body, now, time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyRequest("k", headers(now.Add(-10*time.Minute), "k"), body, now, 5*time.Minute), ErrStaleTimestamp)
	assert.ErrorIs(t, VerifyRequest("k", headers(now.Add(10*time.Minute), "k"), body, now, 5*time.Minute), ErrStaleTimestamp)

	bad := headers(now, "k")
	bad.Set(HeaderTimestamp, "yesterday")
	assert.ErrorIs(t, VerifyRequest("k", bad, body, now, time.Minute), ErrStaleTimestamp)
}
