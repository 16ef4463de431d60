package webhooks

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Verifier checks engagement callbacks for one provider endpoint. A bad
// signature is a Result with Valid=false and a Reason, never an error; the
// only error is a misconfigured (empty) secret.
type Verifier struct {
	provider string
}

func NewVerifier(provider string) *Verifier {
	return &Verifier{provider: strings.ToLower(strings.TrimSpace(provider))}
}

func (v *Verifier) Provider() string { return v.provider }

func (v *Verifier) Verify(headers http.Header, rawBody []byte, secret string) (Result, error) {
	if strings.TrimSpace(secret) == "" {
		return Result{}, errors.New("webhook endpoint secret is empty")
	}

	res := Result{
		Scheme:          Scheme,
		ProviderEventID: strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType:       normalizeEventType(headers.Get(EventTypeHeader)),
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		res.Reason = "missing " + SignatureHeader + " header"
		return res, nil
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		res.Reason = "signature is not hex"
		return res, nil
	}

	expected, _ := hex.DecodeString(Sign(secret, rawBody))
	if !hmac.Equal(expected, provided) {
		res.Reason = "digest mismatch"
		return res, nil
	}
	res.Valid = true
	return res, nil
}
