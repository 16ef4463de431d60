// Package webhooks verifies the email-engagement callbacks (open/click) sent
// by the transactional provider that delivers proposal emails. The contract
// is deliberately small: the provider signs the raw body with HMAC-SHA256
// using the endpoint secret and identifies the delivery in two headers, so
// the portal can classify and dedupe without trusting the payload.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 digest of the raw body.
	SignatureHeader = "X-Signature"
	// EventIDHeader is the provider's delivery id; replays repeat it.
	EventIDHeader = "X-Event-Id"
	// EventTypeHeader names the engagement kind (open, click).
	EventTypeHeader = "X-Event-Type"

	// Scheme names the signing contract shared with providers.
	Scheme = "engagement-hmac-sha256/v1"
)

// Result is the outcome of verifying one callback. Reason is empty when the
// signature checked out; otherwise it states what failed, suitable for the
// ingress log.
type Result struct {
	Valid           bool
	Scheme          string
	Reason          string
	ProviderEventID string
	EventType       string
}

// Sign computes the digest a provider puts in SignatureHeader. Providers,
// the portal and tests all share this one definition.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeEventType(raw string) string {
	et := strings.ToLower(strings.TrimSpace(raw))
	if et == "" {
		return "unknown"
	}
	return et
}
