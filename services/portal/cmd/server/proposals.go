package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"log/slog"

	"github.com/uptrade-media/proposals-website-sub000/pkg/authn"
	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
	"github.com/uptrade-media/proposals-website-sub000/pkg/httpx"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/render"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/store"
)

// handleGetProposal is the access gate: every read goes through credential
// resolution, and successful non-admin reads leave a view event behind.
func (s *server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposal_id")
	p, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeProposalLoadError(w, err)
		return
	}

	cred, err := authn.Resolve(r.Context(), s.store, s.links, proposalID, p.ClientEmail, presentedCredentials(r), p.Public)
	if err != nil {
		s.writeGateError(w, r, proposalID, err)
		return
	}

	if !cred.Admin {
		if err := s.store.MarkViewed(r.Context(), proposalID); err != nil {
			slog.Warn("mark viewed failed", "proposal_id", proposalID, "err", err)
		} else if p.Status == domain.StatusSent {
			p.Status = domain.StatusViewed
		}
		visitor := cred.Email
		if visitor == "" {
			visitor = "anonymous"
		}
		if err := s.store.AddEvent(r.Context(), store.Event{
			ProposalID:   proposalID,
			Type:         domain.EventView,
			AccessMethod: cred.Method,
			VisitorID:    visitor,
			UserAgent:    r.UserAgent(),
			Referrer:     r.Referer(),
			OccurredAt:   s.now().UTC(),
		}); err != nil {
			slog.Warn("view event write failed", "proposal_id", proposalID, "err", err)
		}
	}

	resp := map[string]any{
		"request_id":    httpx.NewRequestID(),
		"proposal":      p,
		"access_method": string(cred.Method),
	}
	if p.Status == domain.StatusSigned {
		if sig, err := s.store.GetSignature(r.Context(), proposalID); err == nil {
			resp["signature"] = sig
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *server) writeGateError(w http.ResponseWriter, r *http.Request, proposalID string, err error) {
	switch {
	case errors.Is(err, authn.ErrMagicLinkExpired), errors.Is(err, authn.ErrMagicLinkInvalid):
		writeMagicLinkError(w, err)
	case errors.Is(err, authn.ErrUnauthorized):
		httpx.WriteUnauthorized(w, "sign in to view this proposal", "/p/"+proposalID)
	default:
		httpx.WriteError(w, 500, "AUTH_ERROR", err.Error(), nil)
	}
}

func writeProposalLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrProposalNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "proposal not found", nil)
		return
	}
	httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
}

func (s *server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	tab, err := domain.ParseStatusTab(r.URL.Query().Get("tab"))
	if err != nil {
		httpx.WriteError(w, 400, "BAD_TAB", "tab must be one of active, signed, declined", nil)
		return
	}
	items, err := s.store.ListProposals(r.Context(), tab.Statuses())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if items == nil {
		items = []store.Proposal{}
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"tab":        string(tab),
		"proposals":  items,
	})
}

type createProposalRequest struct {
	Title       string          `json:"title"`
	TotalAmount float64         `json:"total_amount"`
	ClientName  string          `json:"client_name"`
	ClientEmail string          `json:"client_email"`
	Public      bool            `json:"public"`
	Sections    []store.Section `json:"sections"`
}

func (s *server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req createProposalRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "title is required", nil)
		return
	}
	if strings.TrimSpace(req.ClientEmail) == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "client_email is required", nil)
		return
	}

	s.handleIdempotentMutation(w, r, "portal", cred.Subject, "proposals.create", func() (int, map[string]any, error) {
		shareToken := randomToken()
		p := store.Proposal{
			ProposalID:  "prp_" + uuid.NewString(),
			Title:       strings.TrimSpace(req.Title),
			Status:      domain.StatusDraft,
			TotalAmount: req.TotalAmount,
			ClientName:  strings.TrimSpace(req.ClientName),
			ClientEmail: strings.ToLower(strings.TrimSpace(req.ClientEmail)),
			Public:      req.Public,
			Sections:    req.Sections,
			CreatedBy:   cred.Subject,
		}
		if err := s.store.CreateProposal(r.Context(), p, authn.HashToken(shareToken)); err != nil {
			return 500, nil, err
		}
		// The raw share token is returned exactly once; only the hash is stored.
		return 201, map[string]any{
			"request_id":  httpx.NewRequestID(),
			"proposal_id": p.ProposalID,
			"status":      string(p.Status),
			"share_token": shareToken,
		}, nil
	})
}

// handleSendProposal moves draft -> sent and mints the recipient magic link.
func (s *server) handleSendProposal(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	proposalID := chi.URLParam(r, "proposal_id")
	p, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeProposalLoadError(w, err)
		return
	}

	s.handleIdempotentMutation(w, r, proposalID, cred.Subject, "proposals.send", func() (int, map[string]any, error) {
		if err := s.store.TransitionStatus(r.Context(), proposalID, p.Status, domain.StatusSent); err != nil {
			if errors.Is(err, store.ErrBadTransition) {
				return 409, map[string]any{
					"request_id": httpx.NewRequestID(),
					"error": map[string]any{
						"code":    "BAD_TRANSITION",
						"message": "proposal cannot be sent from status " + string(p.Status),
					},
				}, nil
			}
			return 500, nil, err
		}
		link, err := s.links.Issue(p.ClientEmail, proposalID, s.cfg.MagicLinkTTL)
		if err != nil {
			return 500, nil, err
		}
		if err := s.store.AddEvent(r.Context(), store.Event{
			ProposalID: proposalID,
			Type:       domain.EventSent,
			VisitorID:  cred.Email,
			OccurredAt: s.now().UTC(),
		}); err != nil {
			slog.Warn("sent event write failed", "proposal_id", proposalID, "err", err)
		}
		return 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"status":     string(domain.StatusSent),
			"magic_link": link,
			"sent_to":    p.ClientEmail,
		}, nil
	})
}

// handleDeleteProposal removes a proposal with its events and signature.
// Signed proposals need ?confirm=true; the record is legal paper at that
// point and a stray click must not destroy it.
func (s *server) handleDeleteProposal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	proposalID := chi.URLParam(r, "proposal_id")
	p, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeProposalLoadError(w, err)
		return
	}
	if p.Status == domain.StatusSigned && r.URL.Query().Get("confirm") != "true" {
		httpx.WriteError(w, 409, "CONFIRM_REQUIRED", "proposal is signed; pass confirm=true to delete it", map[string]any{
			"signed_at": p.SignedAt,
		})
		return
	}
	if err := s.store.DeleteProposal(r.Context(), proposalID); err != nil {
		writeProposalLoadError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), proposalID)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"deleted":    proposalID,
	})
}

// handleExportProposal renders the stored sections as paginated text or HTML.
// The export never trusts a client rendering; it composes from the rows.
func (s *server) handleExportProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposal_id")
	p, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeProposalLoadError(w, err)
		return
	}
	if _, err := authn.Resolve(r.Context(), s.store, s.links, proposalID, p.ClientEmail, presentedCredentials(r), p.Public); err != nil {
		s.writeGateError(w, r, proposalID, err)
		return
	}

	sections := make([]render.Section, 0, len(p.Sections))
	for _, sec := range p.Sections {
		sections = append(sections, render.Section{ID: sec.ID, Heading: sec.Heading, Body: sec.Body})
	}
	pages := render.Paginate(render.Compose(render.Input{
		Title:       p.Title,
		ClientName:  p.ClientName,
		TotalAmount: p.TotalAmount,
		Sections:    sections,
	}), render.LinesPerPage)

	switch r.URL.Query().Get("format") {
	case "", "text":
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.Header().Set("X-Export-Version", render.DeterminismVersion)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(render.RenderText(pages)))
	case "html":
		w.Header().Set("content-type", "text/html; charset=utf-8")
		w.Header().Set("X-Export-Version", render.DeterminismVersion)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(render.RenderHTML(pages)))
	default:
		httpx.WriteError(w, 400, "BAD_FORMAT", "format must be text or html", nil)
	}
}
