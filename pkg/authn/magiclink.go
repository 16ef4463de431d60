package authn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const magicLinkIssuer = "portal/magic-link"

// MagicLinkClaims binds a recipient email (subject) to a single proposal.
type MagicLinkClaims struct {
	jwt.RegisteredClaims
	ProposalID string `json:"proposal_id"`
}

type MagicLinkVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewMagicLinkVerifier(secret []byte) *MagicLinkVerifier {
	return &MagicLinkVerifier{secret: secret, now: time.Now}
}

func (v *MagicLinkVerifier) Issue(email, proposalID string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("magic link secret not configured")
	}
	now := v.now().UTC()
	claims := MagicLinkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    magicLinkIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ProposalID: proposalID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify distinguishes expiry from every other failure mode so the caller
// can surface "link expired" vs "invalid link".
func (v *MagicLinkVerifier) Verify(token string) (*MagicLinkClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &MagicLinkClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrMagicLinkInvalid
		}
		return v.secret, nil
	}, jwt.WithIssuer(magicLinkIssuer), jwt.WithTimeFunc(func() time.Time { return v.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrMagicLinkExpired
		}
		return nil, ErrMagicLinkInvalid
	}
	claims, ok := parsed.Claims.(*MagicLinkClaims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ProposalID == "" {
		return nil, ErrMagicLinkInvalid
	}
	return claims, nil
}
