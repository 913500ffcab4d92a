// Package security provides single-use access tokens, session JWTs and
// webhook signature verification.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenBytes is the entropy of a minted access token (64 hex chars).
const TokenBytes = 32

// RandomToken returns n random bytes hex-encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ─── Webhook Signatures ─────────────────────────────────────────────────────
// Header format: "t=<unix seconds>,v1=<hex hmac>[,v1=...]". The signed
// payload is "<t>.<body>" with HMAC-SHA256 under the endpoint secret.

// DefaultSignatureTolerance is the maximum accepted clock skew.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrSignatureHeader   = errors.New("malformed signature header")
	ErrSignatureMismatch = errors.New("no signature matches the payload")
	ErrSignatureExpired  = errors.New("signature timestamp outside tolerance")
)

// SignWebhook computes the v1 signature of payload at ts.
func SignWebhook(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookHeader builds a signature header for payload, as the sender would.
func WebhookHeader(secret string, ts time.Time, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), SignWebhook(secret, ts, payload))
}

// VerifyWebhook checks header against payload. tolerance <= 0 disables the
// timestamp check.
func VerifyWebhook(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var ts int64 = -1
	var sigs []string
	for _, item := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrSignatureHeader
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return ErrSignatureHeader
	}

	signedAt := time.Unix(ts, 0)
	expected := SignWebhook(secret, signedAt, payload)
	matched := false
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrSignatureMismatch
	}

	if tolerance > 0 {
		skew := now.Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}
