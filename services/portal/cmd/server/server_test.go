package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/uptrade-media/proposals-website-sub000/pkg/authn"
	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/store"
)

// fakeStore mirrors the persistence semantics in memory: guarded status
// moves, one signature per proposal, provider event dedupe.
type fakeStore struct {
	mu             sync.Mutex
	users          map[string]store.User
	sessions       map[string]store.Session
	proposals      map[string]store.Proposal
	shareHashes    map[string]string
	signatures     map[string]store.Signature
	events         []store.Event
	providerEvents map[string]bool
	endpoints      map[string]store.WebhookEndpoint
	idem           map[string]store.IdempotencyRecord
	failEvents     bool
	summarizeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:          map[string]store.User{},
		sessions:       map[string]store.Session{},
		proposals:      map[string]store.Proposal{},
		shareHashes:    map[string]string{},
		signatures:     map[string]store.Signature{},
		providerEvents: map[string]bool{},
		endpoints:      map[string]store.WebhookEndpoint{},
		idem:           map[string]store.IdempotencyRecord{},
	}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[strings.ToLower(email)]
	if !ok {
		return store.User{}, pgx.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateSession(_ context.Context, sess store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.TokenHash] = sess
	return nil
}

func (f *fakeStore) SessionIdentity(_ context.Context, tokenHash string) (authn.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return authn.Credential{}, authn.ErrUnauthorized
	}
	subject := sess.UserID
	if subject == "" {
		subject = sess.Email
	}
	return authn.Credential{Subject: subject, Email: sess.Email, Admin: sess.Admin}, nil
}

func (f *fakeStore) LegacyTokenIdentity(_ context.Context, proposalID, tokenHash string) (authn.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shareHashes[proposalID] != tokenHash {
		return authn.Credential{}, authn.ErrUnauthorized
	}
	email := f.proposals[proposalID].ClientEmail
	return authn.Credential{Subject: email, Email: email}, nil
}

func (f *fakeStore) CreateProposal(_ context.Context, p store.Proposal, shareTokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	f.proposals[p.ProposalID] = p
	f.shareHashes[p.ProposalID] = shareTokenHash
	return nil
}

func (f *fakeStore) GetProposal(_ context.Context, id string) (store.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return store.Proposal{}, store.ErrProposalNotFound
	}
	return p, nil
}

func (f *fakeStore) ListProposals(_ context.Context, statuses []domain.Status) ([]store.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[domain.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []store.Proposal
	for _, p := range f.proposals {
		if want[p.Status] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, proposalID string, from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return store.ErrBadTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok || p.Status != from {
		return store.ErrBadTransition
	}
	p.Status = to
	if to == domain.StatusSent {
		now := time.Now().UTC()
		p.SentAt = &now
	}
	f.proposals[proposalID] = p
	return nil
}

func (f *fakeStore) MarkViewed(_ context.Context, proposalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if ok && p.Status == domain.StatusSent {
		p.Status = domain.StatusViewed
		f.proposals[proposalID] = p
	}
	return nil
}

func (f *fakeStore) DeleteProposal(_ context.Context, proposalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.proposals[proposalID]; !ok {
		return store.ErrProposalNotFound
	}
	delete(f.proposals, proposalID)
	delete(f.signatures, proposalID)
	var kept []store.Event
	for _, ev := range f.events {
		if ev.ProposalID != proposalID {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

func (f *fakeStore) GetSignature(_ context.Context, proposalID string) (store.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.signatures[proposalID]
	if !ok {
		return store.Signature{}, store.ErrSignatureNotFound
	}
	return sig, nil
}

func (f *fakeStore) InsertSignature(_ context.Context, sig store.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.signatures[sig.ProposalID]; exists {
		return store.ErrAlreadySigned
	}
	p, ok := f.proposals[sig.ProposalID]
	if !ok {
		return store.ErrProposalNotFound
	}
	if p.Status == domain.StatusSigned {
		return store.ErrAlreadySigned
	}
	if p.Status != domain.StatusSent && p.Status != domain.StatusViewed {
		return store.ErrBadTransition
	}
	f.signatures[sig.ProposalID] = sig
	p.Status = domain.StatusSigned
	signedAt := sig.SignedAt
	p.SignedAt = &signedAt
	f.proposals[sig.ProposalID] = p
	f.events = append(f.events, store.Event{
		ProposalID: sig.ProposalID, Type: domain.EventSigned,
		VisitorID: sig.ClientEmail, OccurredAt: sig.SignedAt,
	})
	return nil
}

func (f *fakeStore) AddEvent(_ context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvents {
		return context.DeadlineExceeded
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) AddProviderEvent(_ context.Context, ev store.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ProviderEventID != "" && f.providerEvents[ev.ProviderEventID] {
		return false, nil
	}
	f.providerEvents[ev.ProviderEventID] = true
	f.events = append(f.events, ev)
	return true, nil
}

func (f *fakeStore) RecentViews(_ context.Context, proposalID string, limit int) ([]store.ViewEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ViewEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := f.events[i]
		if ev.ProposalID == proposalID && ev.Type == domain.EventView {
			out = append(out, store.ViewEvent{
				Type:         string(ev.Type),
				AccessMethod: string(ev.AccessMethod),
				VisitorID:    ev.VisitorID,
				OccurredAt:   ev.OccurredAt,
			})
		}
	}
	return out, nil
}

func (f *fakeStore) Summarize(_ context.Context, proposalID string) (store.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	var sum store.Summary
	visitors := map[string]bool{}
	sections := map[string]bool{}
	timeTotal, timeCount := 0, 0
	for _, ev := range f.events {
		if ev.ProposalID != proposalID {
			continue
		}
		switch ev.Type {
		case domain.EventView:
			sum.TotalViews++
			if ev.VisitorID != "" {
				visitors[ev.VisitorID] = true
			}
			at := ev.OccurredAt
			if sum.LastViewedAt == nil || at.After(*sum.LastViewedAt) {
				sum.LastViewedAt = &at
			}
		case domain.EventScroll:
			if ev.ScrollDepth != nil && *ev.ScrollDepth > sum.MaxScrollDepth {
				sum.MaxScrollDepth = *ev.ScrollDepth
			}
		case domain.EventTimeSpent:
			if ev.DurationSecs != nil {
				timeTotal += *ev.DurationSecs
				timeCount++
			}
		case domain.EventSectionView:
			if ev.SectionID != "" {
				sections[ev.SectionID] = true
			}
		}
	}
	sum.UniqueViews = len(visitors)
	sum.SectionsViewed = len(sections)
	if timeCount > 0 {
		sum.AvgTimeOnPageSecs = float64(timeTotal) / float64(timeCount)
	}
	return sum, nil
}

func (f *fakeStore) GetWebhookEndpoint(_ context.Context, provider, token string) (store.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[provider+"|"+token]
	if !ok {
		return store.WebhookEndpoint{}, store.ErrEndpointNotFound
	}
	return ep, nil
}

func (f *fakeStore) GetIdempotencyRecord(_ context.Context, scopeID, actorID, key, endpoint string) (*store.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.idem[scopeID+"|"+actorID+"|"+key+"|"+endpoint]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) SaveIdempotencyRecord(_ context.Context, rec store.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := rec.ScopeID + "|" + rec.ActorID + "|" + rec.IdempotencyKey + "|" + rec.Endpoint
	if _, exists := f.idem[k]; !exists {
		f.idem[k] = rec
	}
	return nil
}

func (f *fakeStore) eventCount(proposalID string, et domain.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.ProposalID == proposalID && ev.Type == et {
			n++
		}
	}
	return n
}

// fakeCache round-trips payloads through JSON like the Redis cache does, so
// cached reads exercise the same serialization path.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (c *fakeCache) GetSummary(_ context.Context, proposalID string, dst any) bool {
	c.mu.Lock()
	raw, ok := c.entries[proposalID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (c *fakeCache) SetSummary(_ context.Context, proposalID string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.entries[proposalID] = raw
	c.mu.Unlock()
}

func (c *fakeCache) Invalidate(_ context.Context, proposalID string) {
	c.mu.Lock()
	delete(c.entries, proposalID)
	c.mu.Unlock()
}

const testMagicSecret = "test-magic-secret"

func newTestServer(fs *fakeStore) *server {
	s := newServer(fs, config{
		MagicLinkSecret: testMagicSecret,
		MagicLinkTTL:    7 * 24 * time.Hour,
		SessionTTL:      24 * time.Hour,
		EventsPerMinute: 120,
	})
	s.now = func() time.Time { return time.Date(2036, 3, 14, 10, 0, 0, 0, time.UTC) }
	return s
}

func testRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Route("/portal/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)
		api.Get("/auth/me", s.handleMe)
		api.Post("/magic-links:exchange", s.handleExchangeMagicLink)
		api.Get("/proposals", s.handleListProposals)
		api.Post("/proposals", s.handleCreateProposal)
		api.Get("/proposals/{proposal_id}", s.handleGetProposal)
		api.Post("/proposals/{proposal_id}:send", s.handleSendProposal)
		api.Post("/proposals/{proposal_id}:sign", s.handleSignProposal)
		api.Delete("/proposals/{proposal_id}", s.handleDeleteProposal)
		api.Get("/proposals/{proposal_id}/export", s.handleExportProposal)
		api.Post("/proposals/{proposal_id}/events", s.handleTrackEvent)
		api.Get("/proposals/{proposal_id}/analytics", s.handleGetAnalytics)
	})
	r.Post("/webhooks/{provider}/{endpoint_token}", s.handleEmailWebhook)
	return r
}

// seedSession installs a session and returns its raw token.
func seedSession(fs *fakeStore, email string, admin bool) string {
	token := "tok-" + email
	fs.sessions[authn.HashToken(token)] = store.Session{
		SessionID: "ses_test",
		TokenHash: authn.HashToken(token),
		UserID:    "usr_" + email,
		Email:     email,
		Admin:     admin,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return token
}

func seedProposal(fs *fakeStore, id string, status domain.Status, public bool) store.Proposal {
	p := store.Proposal{
		ProposalID:  id,
		Title:       "Website Redesign",
		Status:      status,
		TotalAmount: 4500,
		ClientName:  "Acme Co",
		ClientEmail: "client@acme.test",
		Public:      public,
		Sections: []store.Section{
			{ID: "intro", Heading: "Overview", Body: "Scope for {{client_name}}."},
			{ID: "pricing", Heading: "Pricing", Body: "Total {{total_amount}}."},
		},
		CreatedBy: "usr_admin",
		CreatedAt: time.Now().UTC(),
	}
	fs.proposals[id] = p
	fs.shareHashes[id] = authn.HashToken("legacy-" + id)
	return p
}

func doRequest(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body := map[string]any{}
	raw, _ := io.ReadAll(rec.Body)
	if len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("bad json response: %v: %s", err, raw)
		}
	} else {
		body["_raw"] = string(raw)
	}
	return rec, body
}

func jsonBody(t *testing.T, v any) *strings.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return strings.NewReader(string(raw))
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}
