package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
)

// SignPayload computes base64(HMAC-SHA256(secret, body)). Used for both
// inbound request verification and outbound webhook signing.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignJSON signs the compact JSON encoding of v. Deterministic for a fixed
// v and secret: encoding/json emits map keys in sorted order and struct
// fields in declaration order.
func SignJSON(v any, secret string) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return SignPayload(body, secret), nil
}

// VerifyPayloadSignature constant-time compares a presented signature
// against the expected one for body.
func VerifyPayloadSignature(body []byte, signature, secret string) bool {
	expected := SignPayload(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// HashSecret is the equality-lookup hash for API keys and client secrets.
func HashSecret(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashBody fingerprints raw request bytes for body-level deduplication.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// HashHeader hashes an optional header value; empty input yields nil.
func HashHeader(value string) *string {
	if value == "" {
		return nil
	}
	h := HashSecret(value)
	return &h
}
