package domain

import (
	"encoding/json"
	"fmt"
)

// LeadStatus is the lifecycle of a lead across all campaigns.
type LeadStatus string

const (
	LeadNew          LeadStatus = "new"
	LeadContacted    LeadStatus = "contacted"
	LeadReplied      LeadStatus = "replied"
	LeadBooked       LeadStatus = "booked"
	LeadWon          LeadStatus = "won"
	LeadLost         LeadStatus = "lost"
	LeadDoNotContact LeadStatus = "do_not_contact"
)

var leadRank = map[LeadStatus]int{
	LeadNew:       0,
	LeadContacted: 1,
	LeadReplied:   2,
	LeadBooked:    3,
	LeadWon:       4,
	LeadLost:      4,
}

func (s LeadStatus) Valid() bool {
	if s == LeadDoNotContact {
		return true
	}
	_, ok := leadRank[s]
	return ok
}

// Advance returns the status after observing next. do_not_contact absorbs
// everything; otherwise the status only moves forward and won/lost are final.
func (s LeadStatus) Advance(next LeadStatus) LeadStatus {
	if s == LeadDoNotContact || next == LeadDoNotContact {
		return LeadDoNotContact
	}
	cur, ok := leadRank[s]
	if !ok {
		return next
	}
	if cur == leadRank[LeadWon] {
		return s
	}
	if leadRank[next] > cur {
		return next
	}
	return s
}

// StopReason is the terminal cause recorded on a link.
type StopReason string

const (
	StopReplied      StopReason = "replied"
	StopBounced      StopReason = "bounced"
	StopWon          StopReason = "won"
	StopBooked       StopReason = "booked"
	StopLost         StopReason = "lost"
	StopUnsubscribed StopReason = "unsubscribed"
	StopManual       StopReason = "manual_stop"
	StopComplaint    StopReason = "complaint"
	StopCompleted    StopReason = "completed"
)

func (r StopReason) Valid() bool {
	switch r {
	case StopReplied, StopBounced, StopWon, StopBooked, StopLost, StopUnsubscribed, StopManual, StopComplaint, StopCompleted:
		return true
	}
	return false
}

// LinkState is either Active or Stopped(reason). The zero value is Active.
// Stopped is absorbing: no transition leaves it.
type LinkState struct {
	reason StopReason
}

func Active() LinkState { return LinkState{} }

func Stopped(reason StopReason) LinkState { return LinkState{reason: reason} }

func (s LinkState) IsActive() bool { return s.reason == "" }

func (s LinkState) Reason() StopReason { return s.reason }

// Stop applies a stop request. The first stop wins; later requests return the
// unchanged state and false.
func (s LinkState) Stop(reason StopReason) (LinkState, bool, error) {
	if !reason.Valid() {
		return s, false, fmt.Errorf("invalid stop reason %q", reason)
	}
	if !s.IsActive() {
		return s, false, nil
	}
	return Stopped(reason), true, nil
}

func (s LinkState) String() string {
	if s.IsActive() {
		return "active"
	}
	return "stopped(" + string(s.reason) + ")"
}

func (s LinkState) MarshalJSON() ([]byte, error) {
	out := struct {
		Active        bool       `json:"active"`
		StoppedReason StopReason `json:"stopped_reason,omitempty"`
	}{Active: s.IsActive(), StoppedReason: s.reason}
	return json.Marshal(out)
}

// StopReasonFor maps an outcome event to the reason it stops a link with.
// Sent events do not stop anything.
func StopReasonFor(t EventType) (StopReason, bool) {
	switch t {
	case EventReply:
		return StopReplied, true
	case EventBounce:
		return StopBounced, true
	case EventBooked:
		return StopBooked, true
	case EventWon:
		return StopWon, true
	case EventLost:
		return StopLost, true
	case EventUnsubscribe:
		return StopUnsubscribed, true
	case EventManualStop:
		return StopManual, true
	case EventComplaint:
		return StopComplaint, true
	}
	return "", false
}

// LeadStatusFor maps an outcome event to the lead status it implies, if any.
func LeadStatusFor(t EventType) (LeadStatus, bool) {
	switch t {
	case EventSent:
		return LeadContacted, true
	case EventReply:
		return LeadReplied, true
	case EventBooked:
		return LeadBooked, true
	case EventWon:
		return LeadWon, true
	case EventLost:
		return LeadLost, true
	case EventBounce, EventComplaint, EventUnsubscribe:
		return LeadDoNotContact, true
	}
	return "", false
}
