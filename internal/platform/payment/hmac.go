package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Header names carried on every signed payment request.
const (
	HeaderAPIKey         = "X-Auction-Api-Key"
	HeaderTimestamp      = "X-Auction-Timestamp"
	HeaderSignature      = "X-Auction-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// HMACAuth signs payment requests. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type HMACAuth struct {
	Key    string
	Secret string
}

// HeadersAt returns the auth headers for a request signed at unixTS.
func (h HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(h.Secret), ts+method+path+body),
	}
}

// Sign computes the base64 HMAC-SHA256 of message.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of message under key.
func Verify(key []byte, message, sig string) bool {
	want, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), want)
}

// String returns a redacted representation suitable for logging.
func (h HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
