// Package portal is the Go client for the proposal portal API. It carries
// the view-tracking session used while a recipient reads a proposal.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Exactly one of these is normally set; the server applies its own
	// precedence when several arrive together.
	SessionToken   string
	MagicLinkToken string
	LegacyToken    string
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type Proposal struct {
	ProposalID  string     `json:"proposal_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	TotalAmount float64    `json:"total_amount"`
	ClientName  string     `json:"client_name"`
	ClientEmail string     `json:"client_email"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`
}

type proposalResponse struct {
	RequestID    string   `json:"request_id"`
	Proposal     Proposal `json:"proposal"`
	AccessMethod string   `json:"access_method"`
}

// GetProposal resolves access and, on success, opens a tracking session for
// the view. Closing the session is the caller's responsibility.
func (c *Client) GetProposal(ctx context.Context, proposalID string) (*Proposal, *Session, error) {
	u := fmt.Sprintf("%s/portal/v1/proposals/%s", c.BaseURL, url.PathEscape(proposalID))
	if c.LegacyToken != "" {
		u += "?token=" + url.QueryEscape(c.LegacyToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doJSON[proposalResponse](c, req)
	if err != nil {
		return nil, nil, err
	}
	return &resp.Proposal, NewSession(resp.Proposal.ProposalID, c), nil
}

type SignResult struct {
	RequestID string   `json:"request_id"`
	Proposal  Proposal `json:"proposal"`
	SignedAt  string   `json:"signed_at"`
}

// Sign submits the captured signature image. The server assigns the
// authoritative timestamp and returns the refreshed proposal.
func (c *Client) Sign(ctx context.Context, proposalID, signatureDataURI string) (*SignResult, error) {
	body, err := json.Marshal(map[string]any{"signature": signatureDataURI})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/portal/v1/proposals/%s:sign", c.BaseURL, url.PathEscape(proposalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[SignResult](c, req)
}

// Report implements Reporter; tracking sessions deliver through it.
func (c *Client) Report(ctx context.Context, ev Event) error {
	payload := map[string]any{"event": string(ev.Type)}
	if ev.ScrollDepth > 0 {
		payload["scroll_depth"] = ev.ScrollDepth
	}
	if ev.DurationSecs > 0 {
		payload["duration_seconds"] = ev.DurationSecs
	}
	if ev.SectionID != "" {
		payload["section_id"] = ev.SectionID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/portal/v1/proposals/%s/events", c.BaseURL, url.PathEscape(ev.ProposalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = doJSON[map[string]any](c, req)
	return err
}

type exchangeResponse struct {
	RequestID    string `json:"request_id"`
	SessionToken string `json:"session_token"`
	Email        string `json:"email"`
}

// ExchangeMagicLink trades a magic-link token for a session, so repeat
// visits use the session path.
func (c *Client) ExchangeMagicLink(ctx context.Context, token string) error {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/portal/v1/magic-links:exchange", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := doJSON[exchangeResponse](c, req)
	if err != nil {
		return err
	}
	c.SessionToken = resp.SessionToken
	c.MagicLinkToken = ""
	return nil
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
	}
	if c.MagicLinkToken != "" {
		req.Header.Set("X-Magic-Link", c.MagicLinkToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
