package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Every cross-instance call carries an HMAC-SHA256 signature over the raw
// request body, keyed by a secret shared out-of-band between leader and
// follower. GET-style calls sign an empty body.
const (
	HeaderSignature = "X-Frameshift-Signature"
	HeaderWorkerID  = "X-Frameshift-Worker"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the hex signature for a request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature against the raw body. Malformed and
// missing signatures are rejected the same way, before any state is touched.
func Verify(secret, signature string, body []byte) error {
	if signature == "" {
		return ErrMissingSignature
	}
	presented, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(presented, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
