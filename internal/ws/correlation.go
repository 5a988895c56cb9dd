package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Correlation header names the loopback request carries (spec §4.10).
const (
	HeaderConnectionID = "x-ws-connection-id"
	HeaderMessageID    = "x-ws-message-id"
	HeaderAction       = "x-ws-action"
	HeaderSignature    = "x-ws-correlation-signature"
)

// SignCorrelation computes HMAC-SHA256(secret, "connId|msgIdHex|action")
// (spec §4.10), hex-encoded.
func SignCorrelation(secret []byte, connID string, messageID MessageID, action string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(connID))
	mac.Write([]byte("|"))
	mac.Write([]byte(hex.EncodeToString(messageID[:])))
	mac.Write([]byte("|"))
	mac.Write([]byte(action))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCorrelation recomputes the expected signature and compares it to
// got in constant time (spec §8: "HMAC check is constant-time: lengths
// must match exactly or the comparison returns false without leaking
// timing information on prefix matches").
func VerifyCorrelation(secret []byte, connID string, messageID MessageID, action, got string) bool {
	want := SignCorrelation(secret, connID, messageID, action)
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
