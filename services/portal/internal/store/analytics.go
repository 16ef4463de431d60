package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
)

type Event struct {
	ProposalID      string
	Type            domain.EventType
	AccessMethod    domain.AccessMethod
	VisitorID       string
	ScrollDepth     *int
	DurationSecs    *int
	SectionID       string
	UserAgent       string
	Referrer        string
	ProviderEventID string
	OccurredAt      time.Time
}

type ViewEvent struct {
	Type         string    `json:"event"`
	AccessMethod string    `json:"access_method,omitempty"`
	VisitorID    string    `json:"visitor_id,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Referrer     string    `json:"referrer,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Summary holds the raw aggregates; scoring happens in pkg/domain.
type Summary struct {
	TotalViews        int        `json:"total_views"`
	UniqueViews       int        `json:"unique_views"`
	AvgTimeOnPageSecs float64    `json:"avg_time_on_page_seconds"`
	MaxScrollDepth    int        `json:"max_scroll_depth"`
	SectionsViewed    int        `json:"sections_viewed"`
	LastViewedAt      *time.Time `json:"last_viewed_at,omitempty"`
}

// AddEvent appends to the analytics log. The log is append-only and tolerant
// of duplicates; callers treat failures as best-effort.
func (s *Store) AddEvent(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO proposal_events(proposal_id,event_type,access_method,visitor_id,scroll_depth,duration_secs,section_id,user_agent,referrer,occurred_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, ev.ProposalID, string(ev.Type), nullable(string(ev.AccessMethod)), nullable(ev.VisitorID),
		ev.ScrollDepth, ev.DurationSecs, nullable(ev.SectionID), nullable(ev.UserAgent), nullable(ev.Referrer), ev.OccurredAt)
	return err
}

// AddProviderEvent appends a webhook-sourced event, deduplicated by the
// provider's event id. Providers redeliver; the unique index absorbs it.
func (s *Store) AddProviderEvent(ctx context.Context, ev Event) (inserted bool, err error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	tag, err := s.DB.Exec(ctx, `
INSERT INTO proposal_events(proposal_id,event_type,visitor_id,provider_event_id,occurred_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING
`, ev.ProposalID, string(ev.Type), nullable(ev.VisitorID), ev.ProviderEventID, ev.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RecentViews(ctx context.Context, proposalID string, limit int) ([]ViewEvent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_type,COALESCE(access_method,''),COALESCE(visitor_id,''),COALESCE(user_agent,''),COALESCE(referrer,''),occurred_at
FROM proposal_events
WHERE proposal_id=$1 AND event_type='view'
ORDER BY occurred_at DESC
LIMIT $2
`, proposalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ViewEvent
	for rows.Next() {
		var v ViewEvent
		if err := rows.Scan(&v.Type, &v.AccessMethod, &v.VisitorID, &v.UserAgent, &v.Referrer, &v.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Summarize(ctx context.Context, proposalID string) (Summary, error) {
	var sum Summary
	err := s.DB.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE event_type='view'),
  COUNT(DISTINCT visitor_id) FILTER (WHERE event_type='view' AND visitor_id IS NOT NULL),
  COALESCE(AVG(duration_secs) FILTER (WHERE event_type='time_spent'),0),
  COALESCE(MAX(scroll_depth) FILTER (WHERE event_type='scroll'),0),
  COUNT(DISTINCT section_id) FILTER (WHERE event_type='section_view'),
  MAX(occurred_at) FILTER (WHERE event_type='view')
FROM proposal_events
WHERE proposal_id=$1
`, proposalID).Scan(&sum.TotalViews, &sum.UniqueViews, &sum.AvgTimeOnPageSecs, &sum.MaxScrollDepth, &sum.SectionsViewed, &sum.LastViewedAt)
	return sum, err
}

type WebhookEndpoint struct {
	EndpointToken string
	Provider      string
	Secret        string
	RevokedAt     *time.Time
}

func (s *Store) GetWebhookEndpoint(ctx context.Context, provider, token string) (WebhookEndpoint, error) {
	var ep WebhookEndpoint
	err := s.DB.QueryRow(ctx, `
SELECT endpoint_token,provider,secret,revoked_at
FROM portal_webhook_endpoints
WHERE provider=$1 AND endpoint_token=$2
`, provider, token).Scan(&ep.EndpointToken, &ep.Provider, &ep.Secret, &ep.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WebhookEndpoint{}, ErrEndpointNotFound
		}
		return WebhookEndpoint{}, err
	}
	return ep, nil
}
