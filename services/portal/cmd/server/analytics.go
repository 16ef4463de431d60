package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
	"github.com/uptrade-media/proposals-website-sub000/pkg/httpx"
	"github.com/uptrade-media/proposals-website-sub000/pkg/webhooks"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/store"
)

type trackEventRequest struct {
	Event        string `json:"event"`
	ScrollDepth  int    `json:"scroll_depth"`
	DurationSecs int    `json:"duration_seconds"`
	SectionID    string `json:"section_id"`
	VisitorID    string `json:"visitor_id"`
}

// Tracking clients fire and forget; a malformed body is the only hard
// failure. Everything past parsing answers 202 so a broken analytics path
// never surfaces in the reading experience.
func (s *server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposal_id")
	var req trackEventRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	et, err := domain.ParseEventType(req.Event)
	if err != nil {
		httpx.WriteError(w, 400, "BAD_EVENT", err.Error(), nil)
		return
	}
	switch et {
	case domain.EventSigned, domain.EventSent, domain.EventEmailOpen, domain.EventEmailClick:
		// server-generated types; clients cannot inject them
		httpx.WriteError(w, 400, "BAD_EVENT", "event type is not accepted from tracking clients", nil)
		return
	}

	accepted := false
	visitor := strings.TrimSpace(req.VisitorID)
	if s.ingest.Allow(proposalID + "|" + visitor) {
		ev := store.Event{
			ProposalID: proposalID,
			Type:       et,
			VisitorID:  visitor,
			SectionID:  strings.TrimSpace(req.SectionID),
			UserAgent:  r.UserAgent(),
			Referrer:   r.Referer(),
			OccurredAt: s.now().UTC(),
		}
		if req.ScrollDepth > 0 {
			d := req.ScrollDepth
			ev.ScrollDepth = &d
		}
		if req.DurationSecs > 0 {
			d := req.DurationSecs
			ev.DurationSecs = &d
		}
		if err := s.store.AddEvent(r.Context(), ev); err != nil {
			slog.Warn("event write failed", "proposal_id", proposalID, "event", string(et), "err", err)
		} else {
			accepted = true
		}
	}

	httpx.WriteJSON(w, 202, map[string]any{
		"request_id": httpx.NewRequestID(),
		"accepted":   accepted,
	})
}

func (s *server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	proposalID := chi.URLParam(r, "proposal_id")

	var cached map[string]any
	if s.cache.GetSummary(r.Context(), proposalID, &cached) {
		cached["request_id"] = httpx.NewRequestID()
		cached["cached"] = true
		httpx.WriteJSON(w, 200, cached)
		return
	}

	p, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeProposalLoadError(w, err)
		return
	}
	sum, err := s.store.Summarize(r.Context(), proposalID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	recent, err := s.store.RecentViews(r.Context(), proposalID, 20)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if recent == nil {
		recent = []store.ViewEvent{}
	}

	score := domain.EngagementScore(domain.EngagementInput{
		MaxScrollDepth:    sum.MaxScrollDepth,
		AvgTimeOnPageSecs: sum.AvgTimeOnPageSecs,
		SectionsViewed:    sum.SectionsViewed,
		SectionsTotal:     len(p.Sections),
	})

	body := map[string]any{
		"proposal_id":      proposalID,
		"status":           string(p.Status),
		"summary":          sum,
		"engagement_score": score,
		"recent_views":     recent,
	}
	s.cache.SetSummary(r.Context(), proposalID, body)

	body["request_id"] = httpx.NewRequestID()
	httpx.WriteJSON(w, 200, body)
}

type emailWebhookPayload struct {
	ProposalID string `json:"proposal_id"`
	Event      string `json:"event"`
	Recipient  string `json:"recipient"`
}

// handleEmailWebhook ingests provider open/click callbacks. Delivery is
// at-least-once on the provider side; the provider event id dedupes replays.
func (s *server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	token := chi.URLParam(r, "endpoint_token")

	ep, err := s.store.GetWebhookEndpoint(r.Context(), provider, token)
	if err != nil {
		if errors.Is(err, store.ErrEndpointNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "unknown webhook endpoint", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if ep.RevokedAt != nil {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown webhook endpoint", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", "unable to read request body", nil)
		return
	}

	result, err := webhooks.NewVerifier(provider).Verify(r.Header, body, ep.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFY_ERROR", err.Error(), nil)
		return
	}
	if !result.Valid {
		slog.Warn("webhook signature rejected", "provider", provider, "reason", result.Reason)
		httpx.WriteError(w, 401, "INVALID_SIGNATURE", "webhook signature verification failed", nil)
		return
	}

	var payload emailWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	var et domain.EventType
	switch strings.ToLower(strings.TrimSpace(payload.Event)) {
	case "open":
		et = domain.EventEmailOpen
	case "click":
		et = domain.EventEmailClick
	default:
		httpx.WriteError(w, 400, "BAD_EVENT", "event must be open or click", nil)
		return
	}
	if payload.ProposalID == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "proposal_id is required", nil)
		return
	}

	inserted, err := s.store.AddProviderEvent(r.Context(), store.Event{
		ProposalID:      payload.ProposalID,
		Type:            et,
		VisitorID:       strings.ToLower(strings.TrimSpace(payload.Recipient)),
		ProviderEventID: result.ProviderEventID,
		OccurredAt:      s.now().UTC(),
	})
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"accepted":   true,
		"duplicate":  !inserted,
	})
}
