package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/uptrade-media/proposals-website-sub000/pkg/authn"
	"github.com/uptrade-media/proposals-website-sub000/pkg/db"
	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
	"github.com/uptrade-media/proposals-website-sub000/pkg/httpx"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/cache"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/store"
)

// PortalStore is everything the handlers need from persistence; *store.Store
// satisfies it and tests swap in fakes.
type PortalStore interface {
	authn.TokenSource
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateSession(ctx context.Context, sess store.Session) error

	CreateProposal(ctx context.Context, p store.Proposal, shareTokenHash string) error
	GetProposal(ctx context.Context, id string) (store.Proposal, error)
	ListProposals(ctx context.Context, statuses []domain.Status) ([]store.Proposal, error)
	TransitionStatus(ctx context.Context, proposalID string, from, to domain.Status) error
	MarkViewed(ctx context.Context, proposalID string) error
	DeleteProposal(ctx context.Context, proposalID string) error

	GetSignature(ctx context.Context, proposalID string) (store.Signature, error)
	InsertSignature(ctx context.Context, sig store.Signature) error

	AddEvent(ctx context.Context, ev store.Event) error
	AddProviderEvent(ctx context.Context, ev store.Event) (bool, error)
	RecentViews(ctx context.Context, proposalID string, limit int) ([]store.ViewEvent, error)
	Summarize(ctx context.Context, proposalID string) (store.Summary, error)
	GetWebhookEndpoint(ctx context.Context, provider, token string) (store.WebhookEndpoint, error)

	GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (*store.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec store.IdempotencyRecord) error
}

type config struct {
	Port            string
	MagicLinkSecret string
	MagicLinkTTL    time.Duration
	SessionTTL      time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	AnalyticsTTL    time.Duration
	EventsPerMinute int
}

func loadConfig() config {
	return config{
		Port:            envDefault("SERVICE_PORT", "8090"),
		MagicLinkSecret: strings.TrimSpace(os.Getenv("MAGIC_LINK_SECRET")),
		MagicLinkTTL:    time.Duration(envIntDefault("MAGIC_LINK_TTL_HOURS", 24*7)) * time.Hour,
		SessionTTL:      time.Duration(envIntDefault("SESSION_TTL_HOURS", 24)) * time.Hour,
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:   strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:         envIntDefault("REDIS_DB", 0),
		AnalyticsTTL:    time.Duration(envIntDefault("ANALYTICS_CACHE_TTL_SECONDS", 60)) * time.Second,
		EventsPerMinute: envIntDefault("TRACK_EVENTS_PER_MINUTE", 120),
	}
}

// analyticsCache is the summary cache surface; cache.Analytics (Redis)
// satisfies it in production and tests swap in an in-memory fake.
type analyticsCache interface {
	GetSummary(ctx context.Context, proposalID string, dst any) bool
	SetSummary(ctx context.Context, proposalID string, v any)
	Invalidate(ctx context.Context, proposalID string)
}

type server struct {
	store  PortalStore
	links  *authn.MagicLinkVerifier
	cache  analyticsCache
	cfg    config
	now    func() time.Time
	ingest *ingestLimiter
}

func newServer(st PortalStore, cfg config) *server {
	return &server{
		store:  st,
		links:  authn.NewMagicLinkVerifier([]byte(cfg.MagicLinkSecret)),
		cache:  cache.NewAnalytics(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AnalyticsTTL),
		cfg:    cfg,
		now:    time.Now,
		ingest: newIngestLimiter(cfg.EventsPerMinute),
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := loadConfig()
	if cfg.MagicLinkSecret == "" {
		slog.Error("MAGIC_LINK_SECRET is required")
		os.Exit(1)
	}

	pool := db.MustConnect()
	s := newServer(store.New(pool), cfg)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

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

	slog.Info("portal service listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "email and password are required", nil)
		return
	}
	u, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, 401, "INVALID_CREDENTIALS", "email or password is incorrect", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		httpx.WriteError(w, 401, "INVALID_CREDENTIALS", "email or password is incorrect", nil)
		return
	}

	token := randomToken()
	sess := store.Session{
		SessionID: "ses_" + uuid.NewString(),
		TokenHash: authn.HashToken(token),
		UserID:    u.UserID,
		Email:     u.Email,
		Admin:     u.Admin,
		ExpiresAt: s.now().UTC().Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.NewRequestID(),
		"session_token": token,
		"expires_at":    sess.ExpiresAt,
		"user": map[string]any{
			"user_id": u.UserID, "email": u.Email, "name": u.Name, "admin": u.Admin,
		},
	})
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.sessionCredential(r)
	if !ok {
		httpx.WriteUnauthorized(w, "session required", "")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"identity": map[string]any{
			"subject": cred.Subject, "email": cred.Email, "admin": cred.Admin,
		},
	})
}

// handleExchangeMagicLink turns a valid magic-link token into a client
// session; repeat visits then ride the session path.
func (s *server) handleExchangeMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	claims, err := s.links.Verify(strings.TrimSpace(req.Token))
	if err != nil {
		writeMagicLinkError(w, err)
		return
	}

	token := randomToken()
	sess := store.Session{
		SessionID: "ses_" + uuid.NewString(),
		TokenHash: authn.HashToken(token),
		Email:     claims.Subject,
		ExpiresAt: s.now().UTC().Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.NewRequestID(),
		"session_token": token,
		"email":         claims.Subject,
		"proposal_id":   claims.ProposalID,
		"expires_at":    sess.ExpiresAt,
	})
}

func writeMagicLinkError(w http.ResponseWriter, err error) {
	if errors.Is(err, authn.ErrMagicLinkExpired) {
		httpx.WriteError(w, 410, "MAGIC_LINK_EXPIRED", "this link has expired; request a new one", nil)
		return
	}
	httpx.WriteError(w, 401, "MAGIC_LINK_INVALID", "this link is not valid", nil)
}

// sessionCredential resolves only the session path; admin endpoints accept
// nothing weaker.
func (s *server) sessionCredential(r *http.Request) (authn.Credential, bool) {
	tok, ok := authn.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		if c, err := r.Cookie("portal_session"); err == nil {
			tok, ok = strings.TrimSpace(c.Value), strings.TrimSpace(c.Value) != ""
		}
	}
	if !ok {
		return authn.Credential{}, false
	}
	cred, err := s.store.SessionIdentity(r.Context(), authn.HashToken(tok))
	if err != nil {
		return authn.Credential{}, false
	}
	cred.Method = domain.AccessSession
	return cred, true
}

func (s *server) requireAdmin(w http.ResponseWriter, r *http.Request) (authn.Credential, bool) {
	cred, ok := s.sessionCredential(r)
	if !ok {
		httpx.WriteUnauthorized(w, "session required", r.URL.Path)
		return authn.Credential{}, false
	}
	if !cred.Admin {
		httpx.WriteError(w, 403, "FORBIDDEN", "admin access required", nil)
		return authn.Credential{}, false
	}
	return cred, true
}

// presentedCredentials gathers every raw credential on the request; the
// precedence decision belongs to authn.Resolve.
func presentedCredentials(r *http.Request) authn.Presented {
	p := authn.Presented{
		MagicLinkToken: strings.TrimSpace(r.Header.Get("X-Magic-Link")),
		LegacyToken:    strings.TrimSpace(r.URL.Query().Get("token")),
	}
	if p.MagicLinkToken == "" {
		p.MagicLinkToken = strings.TrimSpace(r.URL.Query().Get("ml"))
	}
	if tok, ok := authn.ParseBearer(r.Header.Get("Authorization")); ok {
		p.SessionToken = tok
	} else if c, err := r.Cookie("portal_session"); err == nil {
		p.SessionToken = strings.TrimSpace(c.Value)
	}
	return p
}

// handleIdempotentMutation replays a stored response for a repeated
// Idempotency-Key and records the response of a fresh run.
func (s *server) handleIdempotentMutation(w http.ResponseWriter, r *http.Request, scopeID, actorID, endpoint string, run func() (int, map[string]any, error)) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		rec, err := s.store.GetIdempotencyRecord(r.Context(), scopeID, actorID, key, endpoint)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		if rec != nil {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return
		}
	}

	status, body, err := run()
	if err != nil {
		httpx.WriteError(w, status, "DB_ERROR", err.Error(), nil)
		return
	}

	if key != "" {
		buf := bytes.Buffer{}
		_ = json.NewEncoder(&buf).Encode(body)
		_ = s.store.SaveIdempotencyRecord(r.Context(), store.IdempotencyRecord{
			ScopeID:        scopeID,
			ActorID:        actorID,
			IdempotencyKey: key,
			Endpoint:       endpoint,
			ResponseStatus: status,
			ResponseBody:   bytes.TrimSpace(buf.Bytes()),
		})
	}
	httpx.WriteJSON(w, status, body)
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ingestLimiter throttles analytics ingest per proposal+visitor so a stuck
// client cannot flood the event log.
type ingestLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newIngestLimiter(perMinute int) *ingestLimiter {
	return &ingestLimiter{perMin: perMinute, limiters: map[string]*rate.Limiter{}}
}

func (l *ingestLimiter) Allow(key string) bool {
	if l == nil || l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func envDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
