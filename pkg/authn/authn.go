package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMagicLinkExpired = errors.New("magic link expired")
	ErrMagicLinkInvalid = errors.New("magic link invalid")
)

// Credential is the single normalized result of access resolution. Every
// downstream consumer sees one identity and one method; precedence between
// the parallel auth paths lives here and nowhere else.
type Credential struct {
	Subject string // user id for sessions, recipient email otherwise
	Email   string
	Method  domain.AccessMethod
	Admin   bool
}

// Presented carries whichever raw credentials arrived with a request. Empty
// fields mean that path was not attempted.
type Presented struct {
	MagicLinkToken string
	SessionToken   string
	LegacyToken    string
}

// TokenSource is the store-side lookup surface for hashed tokens.
type TokenSource interface {
	// SessionIdentity resolves a hashed session token to its user.
	// Returns ErrUnauthorized when the session is unknown, expired or revoked.
	SessionIdentity(ctx context.Context, tokenHash string) (Credential, error)
	// LegacyTokenIdentity resolves a hashed per-proposal share token.
	// Returns ErrUnauthorized when the token does not match the proposal.
	LegacyTokenIdentity(ctx context.Context, proposalID, tokenHash string) (Credential, error)
}

// Resolve applies the documented priority order, first match wins:
// magic link, then session, then legacy token, then unauthenticated (public
// proposals only). A presented-but-bad magic link fails the whole resolution
// with a distinct error rather than silently falling through; the original
// UI surfaced "expired" and "invalid" differently and clients rely on that.
//
// Sessions are scoped: a non-admin session only admits the proposal's own
// recipient (recipientEmail). A valid session for some other client behaves
// like a stale one and falls through to the remaining paths, so one logged-in
// client can never read or sign another client's proposal by guessing its id.
func Resolve(ctx context.Context, src TokenSource, links *MagicLinkVerifier, proposalID, recipientEmail string, p Presented, public bool) (Credential, error) {
	if tok := strings.TrimSpace(p.MagicLinkToken); tok != "" {
		claims, err := links.Verify(tok)
		if err != nil {
			return Credential{}, err
		}
		if claims.ProposalID != proposalID {
			return Credential{}, ErrMagicLinkInvalid
		}
		return Credential{
			Subject: claims.Subject,
			Email:   claims.Subject,
			Method:  domain.AccessMagicLink,
		}, nil
	}

	if tok := strings.TrimSpace(p.SessionToken); tok != "" {
		cred, err := src.SessionIdentity(ctx, HashToken(tok))
		switch {
		case err == nil && (cred.Admin || strings.EqualFold(cred.Email, recipientEmail)):
			cred.Method = domain.AccessSession
			return cred, nil
		case err != nil && !errors.Is(err, ErrUnauthorized):
			return Credential{}, err
		}
		// stale session cookie, or a session for a different recipient:
		// fall through to the remaining paths
	}

	if tok := strings.TrimSpace(p.LegacyToken); tok != "" {
		cred, err := src.LegacyTokenIdentity(ctx, proposalID, HashToken(tok))
		if err != nil {
			return Credential{}, err
		}
		cred.Method = domain.AccessLegacyToken
		return cred, nil
	}

	if public {
		return Credential{Method: domain.AccessPublic}, nil
	}
	return Credential{}, ErrUnauthorized
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func ParseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(strings.TrimSpace(authorization), prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}
