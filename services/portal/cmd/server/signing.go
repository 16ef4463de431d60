package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/uptrade-media/proposals-website-sub000/pkg/authn"
	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
	"github.com/uptrade-media/proposals-website-sub000/pkg/httpx"
	"github.com/uptrade-media/proposals-website-sub000/services/portal/internal/store"
)

type signRequest struct {
	Signature string `json:"signature"`
	SignedBy  string `json:"signed_by"`
	// Accepted for old clients and ignored; the server clock is authoritative.
	SignedAt string `json:"signed_at"`
}

// handleSignProposal records acceptance exactly once. The signature row, the
// status flip and the signed event commit in one transaction; signed_at is
// assigned here, never taken from the request.
func (s *server) handleSignProposal(w http.ResponseWriter, r *http.Request) {
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
	if cred.Method == domain.AccessPublic {
		httpx.WriteError(w, 401, "SIGNER_REQUIRED", "signing requires an identified recipient", nil)
		return
	}

	var req signRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		httpx.WriteError(w, 400, "SIGNATURE_REQUIRED", "Please provide your signature before accepting.", nil)
		return
	}

	// Replay check runs before the terminal-status check: a keyed retry of a
	// successful sign gets the recorded success back, not a conflict.
	s.handleIdempotentMutation(w, r, proposalID, cred.Email, "proposals.sign", func() (int, map[string]any, error) {
		if p.Status == domain.StatusSigned {
			return 409, alreadySignedBody(p), nil
		}
		if p.Status.Terminal() {
			return 409, map[string]any{
				"request_id": httpx.NewRequestID(),
				"error": map[string]any{
					"code":    "BAD_TRANSITION",
					"message": "proposal was declined and can no longer be signed",
				},
			}, nil
		}

		signedAt := s.now().UTC()
		signedBy := strings.TrimSpace(req.SignedBy)
		if signedBy == "" {
			signedBy = cred.Email
		}
		err := s.store.InsertSignature(r.Context(), store.Signature{
			SignatureID:  "sig_" + uuid.NewString(),
			ProposalID:   proposalID,
			ImageDataURI: req.Signature,
			SignedBy:     signedBy,
			ClientEmail:  cred.Email,
			SignedAt:     signedAt,
		})
		if err != nil {
			if errors.Is(err, store.ErrAlreadySigned) {
				current, gerr := s.store.GetProposal(r.Context(), proposalID)
				if gerr != nil {
					current = p
				}
				return 409, alreadySignedBody(current), nil
			}
			if errors.Is(err, store.ErrBadTransition) {
				return 409, map[string]any{
					"request_id": httpx.NewRequestID(),
					"error": map[string]any{
						"code":    "BAD_TRANSITION",
						"message": "proposal cannot be signed from status " + string(p.Status),
					},
				}, nil
			}
			return 500, nil, err
		}

		s.cache.Invalidate(r.Context(), proposalID)
		signed, err := s.store.GetProposal(r.Context(), proposalID)
		if err != nil {
			return 500, nil, err
		}
		return 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"proposal":   signed,
			"signed_at":  signedAt,
		}, nil
	})
}

func alreadySignedBody(p store.Proposal) map[string]any {
	details := map[string]any{}
	if p.SignedAt != nil {
		details["signed_at"] = p.SignedAt
	}
	return map[string]any{
		"request_id": httpx.NewRequestID(),
		"error": map[string]any{
			"code":    "ALREADY_SIGNED",
			"message": "this proposal has already been signed",
			"details": details,
		},
	}
}
