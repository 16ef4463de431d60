package authn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
)

type fakeSource struct {
	sessions map[string]Credential // by token hash
	legacy   map[string]Credential // by proposalID + ":" + token hash
}

func (f *fakeSource) SessionIdentity(_ context.Context, tokenHash string) (Credential, error) {
	if c, ok := f.sessions[tokenHash]; ok {
		return c, nil
	}
	return Credential{}, ErrUnauthorized
}

func (f *fakeSource) LegacyTokenIdentity(_ context.Context, proposalID, tokenHash string) (Credential, error) {
	if c, ok := f.legacy[proposalID+":"+tokenHash]; ok {
		return c, nil
	}
	return Credential{}, ErrUnauthorized
}

func testVerifier(t *testing.T, at time.Time) *MagicLinkVerifier {
	t.Helper()
	v := NewMagicLinkVerifier([]byte("test-secret"))
	v.now = func() time.Time { return at }
	return v
}

func TestResolveMagicLinkOutranksSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	links := testVerifier(t, now)
	ml, err := links.Issue("client@example.com", "prp_1", time.Hour)
	if err != nil {
		t.Fatalf("issue err: %v", err)
	}
	src := &fakeSource{sessions: map[string]Credential{
		HashToken("sess-tok"): {Subject: "usr_1", Email: "admin@example.com", Admin: true},
	}}

	cred, err := Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		MagicLinkToken: ml,
		SessionToken:   "sess-tok",
	}, false)
	if err != nil {
		t.Fatalf("resolve err: %v", err)
	}
	if cred.Method != domain.AccessMagicLink {
		t.Fatalf("expected magic_link method to win, got %s", cred.Method)
	}
	if cred.Email != "client@example.com" {
		t.Fatalf("unexpected identity: %+v", cred)
	}
}

func TestResolveExpiredMagicLinkIsDistinct(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	links := testVerifier(t, issued)
	ml, _ := links.Issue("client@example.com", "prp_1", time.Minute)

	links.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err := Resolve(context.Background(), &fakeSource{}, links, "prp_1", "client@example.com", Presented{MagicLinkToken: ml}, false)
	if !errors.Is(err, ErrMagicLinkExpired) {
		t.Fatalf("expected ErrMagicLinkExpired, got %v", err)
	}

	_, err = Resolve(context.Background(), &fakeSource{}, links, "prp_1", "client@example.com", Presented{MagicLinkToken: "garbage"}, false)
	if !errors.Is(err, ErrMagicLinkInvalid) {
		t.Fatalf("expected ErrMagicLinkInvalid, got %v", err)
	}
}

func TestResolveMagicLinkWrongProposal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	links := testVerifier(t, now)
	ml, _ := links.Issue("client@example.com", "prp_other", time.Hour)
	_, err := Resolve(context.Background(), &fakeSource{}, links, "prp_1", "client@example.com", Presented{MagicLinkToken: ml}, false)
	if !errors.Is(err, ErrMagicLinkInvalid) {
		t.Fatalf("expected ErrMagicLinkInvalid, got %v", err)
	}
}

func TestResolveStaleSessionFallsThroughToLegacy(t *testing.T) {
	links := testVerifier(t, time.Now())
	src := &fakeSource{legacy: map[string]Credential{
		"prp_1:" + HashToken("share-tok"): {Subject: "client@example.com", Email: "client@example.com"},
	}}
	cred, err := Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		SessionToken: "expired-session",
		LegacyToken:  "share-tok",
	}, false)
	if err != nil {
		t.Fatalf("resolve err: %v", err)
	}
	if cred.Method != domain.AccessLegacyToken {
		t.Fatalf("expected legacy_token method, got %s", cred.Method)
	}
}

func TestResolveSessionScopedToRecipient(t *testing.T) {
	links := testVerifier(t, time.Now())
	src := &fakeSource{sessions: map[string]Credential{
		HashToken("other-tok"): {Subject: "usr_2", Email: "other@corp.example"},
		HashToken("own-tok"):   {Subject: "usr_3", Email: "client@example.com"},
		HashToken("admin-tok"): {Subject: "usr_1", Email: "admin@example.com", Admin: true},
	}}

	// a valid session for a different client does not open the proposal
	_, err := Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		SessionToken: "other-tok",
	}, false)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign session, got %v", err)
	}

	// the recipient's own session does
	cred, err := Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		SessionToken: "own-tok",
	}, false)
	if err != nil {
		t.Fatalf("resolve err: %v", err)
	}
	if cred.Method != domain.AccessSession || cred.Email != "client@example.com" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	// admin sessions are not recipient-scoped
	cred, err = Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		SessionToken: "admin-tok",
	}, false)
	if err != nil || !cred.Admin {
		t.Fatalf("expected admin session to resolve, got cred=%+v err=%v", cred, err)
	}

	// on a public proposal the foreign session degrades to public access
	cred, err = Resolve(context.Background(), src, links, "prp_1", "client@example.com", Presented{
		SessionToken: "other-tok",
	}, true)
	if err != nil {
		t.Fatalf("resolve err: %v", err)
	}
	if cred.Method != domain.AccessPublic {
		t.Fatalf("expected public method for foreign session on public proposal, got %s", cred.Method)
	}
}

func TestResolveNoCredential(t *testing.T) {
	links := testVerifier(t, time.Now())

	cred, err := Resolve(context.Background(), &fakeSource{}, links, "prp_1", "client@example.com", Presented{}, true)
	if err != nil {
		t.Fatalf("public proposal should resolve: %v", err)
	}
	if cred.Method != domain.AccessPublic {
		t.Fatalf("expected public method, got %s", cred.Method)
	}

	_, err = Resolve(context.Background(), &fakeSource{}, links, "prp_1", "client@example.com", Presented{}, false)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestParseBearer(t *testing.T) {
	tok, ok := ParseBearer("Bearer abc123")
	if !ok || tok != "abc123" {
		t.Fatalf("expected parsed bearer token, got ok=%v token=%q", ok, tok)
	}
	if _, ok := ParseBearer("abc123"); ok {
		t.Fatal("expected parse failure without Bearer prefix")
	}
}
