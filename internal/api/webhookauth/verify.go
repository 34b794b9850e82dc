// Package webhookauth checks HMAC-SHA256 signatures on inbound webhooks.
//
// The signed message is "<timestamp>.<body>" where timestamp is Unix seconds; the
// signature is hex encoded.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// Window is how far the signed timestamp may drift from now in either direction.
const Window = 5 * time.Minute

// Input is one delivery to verify.
type Input struct {
	Secret          string
	TimestampHeader string
	SignatureHeader string
	Body            []byte
	Now             time.Time
}

// Verify returns nil when the signature matches and the timestamp is fresh.
func Verify(in Input) error {
	ts := strings.TrimSpace(in.TimestampHeader)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	signedAt := time.Unix(sec, 0).UTC()
	now := in.Now.UTC()
	if signedAt.Before(now.Add(-Window)) || signedAt.After(now.Add(Window)) {
		return ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(strings.TrimSpace(in.SignatureHeader))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, sign(in.Secret, ts, in.Body)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignHex computes the hex signature a sender would put in the signature header.
func SignHex(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestamp, body))
}

func sign(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
