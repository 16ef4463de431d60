package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusSent     Status = "sent"
	StatusViewed   Status = "viewed"
	StatusSigned   Status = "signed"
	StatusDeclined Status = "declined"
)

// "accepted" survives in old rows and old client payloads as an alias for signed.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusSent:
		return StatusSent, nil
	case StatusViewed:
		return StatusViewed, nil
	case StatusSigned, Status("accepted"):
		return StatusSigned, nil
	case StatusDeclined:
		return StatusDeclined, nil
	}
	return "", fmt.Errorf("unknown proposal status: %q", raw)
}

func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusDeclined
}

var transitions = map[Status][]Status{
	StatusDraft:  {StatusSent},
	StatusSent:   {StatusViewed, StatusSigned, StatusDeclined},
	StatusViewed: {StatusSigned, StatusDeclined},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// The lifecycle is monotonic: draft -> sent -> viewed -> signed|declined,
// with viewed optional when the recipient acts without a recorded view.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusTab is the admin list grouping.
type StatusTab string

const (
	TabActive   StatusTab = "active"
	TabSigned   StatusTab = "signed"
	TabDeclined StatusTab = "declined"
)

func ParseStatusTab(raw string) (StatusTab, error) {
	switch StatusTab(strings.ToLower(strings.TrimSpace(raw))) {
	case TabActive, StatusTab(""):
		return TabActive, nil
	case TabSigned:
		return TabSigned, nil
	case TabDeclined:
		return TabDeclined, nil
	}
	return "", fmt.Errorf("unknown status tab: %q", raw)
}

func (t StatusTab) Statuses() []Status {
	switch t {
	case TabSigned:
		return []Status{StatusSigned}
	case TabDeclined:
		return []Status{StatusDeclined}
	default:
		return []Status{StatusDraft, StatusSent, StatusViewed}
	}
}

type EventType string

const (
	EventView             EventType = "view"
	EventScroll           EventType = "scroll"
	EventSectionView      EventType = "section_view"
	EventTimeSpent        EventType = "time_spent"
	EventClick            EventType = "click"
	EventSignatureStarted EventType = "signature_started"
	EventSigned           EventType = "signed"
	EventSent             EventType = "sent"
	EventEmailOpen        EventType = "email_open"
	EventEmailClick       EventType = "email_click"
)

var knownEventTypes = map[EventType]struct{}{
	EventView: {}, EventScroll: {}, EventSectionView: {}, EventTimeSpent: {},
	EventClick: {}, EventSignatureStarted: {}, EventSigned: {}, EventSent: {},
	EventEmailOpen: {}, EventEmailClick: {},
}

func ParseEventType(raw string) (EventType, error) {
	et := EventType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownEventTypes[et]; !ok {
		return "", fmt.Errorf("unknown event type: %q", raw)
	}
	return et, nil
}

// AccessMethod records which of the parallel credential paths admitted a view.
type AccessMethod string

const (
	AccessMagicLink   AccessMethod = "magic_link"
	AccessSession     AccessMethod = "session"
	AccessLegacyToken AccessMethod = "legacy_token"
	AccessPublic      AccessMethod = "public"
)
