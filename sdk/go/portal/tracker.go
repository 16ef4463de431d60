package portal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uptrade-media/proposals-website-sub000/pkg/domain"
)

// Reporter delivers one analytics event. Implementations talk to the portal
// events endpoint; delivery is best-effort by contract.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

type Event struct {
	ProposalID   string
	Type         domain.EventType
	ScrollDepth  int
	DurationSecs int
	SectionID    string
}

var scrollMilestones = [...]int{25, 50, 75, 90, 100}

const (
	// Minimum spacing between any two reported scroll milestones; rapid
	// scrolls collapse into the furthest milestone crossed.
	milestoneMinGap = 2 * time.Second
	// Cadence of periodic time-on-page reports while the session is open.
	heartbeatInterval = 30 * time.Second
	// Sessions shorter than this emit no final time report; bounces are noise.
	minReportableDwell = 5 * time.Second
)

// Session owns all per-view tracking state as one explicit structure: which
// milestones fired, which sections were seen, how long the page has been
// open. One Session per proposal view; not shared across views.
type Session struct {
	mu sync.Mutex

	proposalID string
	reporter   Reporter
	now        func() time.Time

	startedAt        time.Time
	lastMilestoneAt  time.Time
	highestMilestone int
	visitedSections  map[string]bool
	lastHeartbeatAt  time.Time
	closed           bool
}

func NewSession(proposalID string, r Reporter) *Session {
	s := &Session{
		proposalID:      proposalID,
		reporter:        r,
		now:             time.Now,
		visitedSections: map[string]bool{},
	}
	s.startedAt = s.now()
	s.lastHeartbeatAt = s.startedAt
	return s
}

// ObserveScroll ingests the current scroll percentage. The furthest newly
// crossed milestone is reported, at most once each and in non-decreasing
// order; milestones skipped during a fast scroll are never back-filled.
func (s *Session) ObserveScroll(ctx context.Context, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	eligible := 0
	for _, m := range scrollMilestones {
		if m <= percent && m > s.highestMilestone {
			eligible = m
		}
	}
	if eligible == 0 {
		return
	}
	now := s.now()
	if !s.lastMilestoneAt.IsZero() && now.Sub(s.lastMilestoneAt) < milestoneMinGap {
		return
	}
	s.highestMilestone = eligible
	s.lastMilestoneAt = now
	s.report(ctx, Event{ProposalID: s.proposalID, Type: domain.EventScroll, ScrollDepth: eligible})
}

// ObserveSection records that a named section became sufficiently visible.
// Each section reports once per session regardless of how often it re-enters
// the viewport.
func (s *Session) ObserveSection(ctx context.Context, sectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || sectionID == "" || s.visitedSections[sectionID] {
		return
	}
	s.visitedSections[sectionID] = true
	s.report(ctx, Event{ProposalID: s.proposalID, Type: domain.EventSectionView, SectionID: sectionID})
}

func (s *Session) ObserveClick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.report(ctx, Event{ProposalID: s.proposalID, Type: domain.EventClick})
}

func (s *Session) SignatureStarted(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.report(ctx, Event{ProposalID: s.proposalID, Type: domain.EventSignatureStarted})
}

// Heartbeat reports cumulative time on page when the reporting interval has
// elapsed. Callers drive it from their own ticker; calling early is a no-op.
func (s *Session) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.now()
	if now.Sub(s.lastHeartbeatAt) < heartbeatInterval {
		return
	}
	s.lastHeartbeatAt = now
	s.report(ctx, Event{
		ProposalID:   s.proposalID,
		Type:         domain.EventTimeSpent,
		DurationSecs: int(now.Sub(s.startedAt).Seconds()),
	})
}

// Close ends the session, emitting a final time report only when the dwell
// exceeded the bounce threshold. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	dwell := s.now().Sub(s.startedAt)
	if dwell <= minReportableDwell {
		return
	}
	s.report(ctx, Event{
		ProposalID:   s.proposalID,
		Type:         domain.EventTimeSpent,
		DurationSecs: int(dwell.Seconds()),
	})
}

// report is fire-and-forget: a failed delivery is logged and dropped so
// tracking can never degrade the reading experience.
func (s *Session) report(ctx context.Context, ev Event) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(ctx, ev); err != nil {
		slog.Debug("analytics report dropped", "proposal_id", ev.ProposalID, "event", ev.Type, "err", err)
	}
}
