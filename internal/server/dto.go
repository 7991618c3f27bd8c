package server

import (
	"encoding/json"
	"strconv"

	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
)

// Request payloads

type MarkRequest struct {
	Type       string `json:"type" enum:"sent,reply,bounce,booked,won,lost,unsubscribe,manual_stop,complaint"`
	LeadID     int64  `json:"lead_id,omitempty"`
	CampaignID int64  `json:"campaign_id,omitempty"`
	MessageID  int64  `json:"message_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Response payloads

type CampaignResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	LeadType  string `json:"lead_type"`
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	DryRun    bool   `json:"dry_run"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type LinkCountsResponse struct {
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	Stopped map[string]int `json:"stopped"`
	Tiers   map[string]int `json:"tiers"`
}

type StatsResponse struct {
	Campaign CampaignResponse   `json:"campaign"`
	Links    LinkCountsResponse `json:"links"`
	Messages map[string]int     `json:"messages"`
	Events   map[string]int     `json:"events"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	LeadID     int64          `json:"lead_id"`
	CampaignID *int64         `json:"campaign_id,omitempty"`
	MessageID  *int64         `json:"message_id,omitempty"`
	Type       string         `json:"type"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  string         `json:"created_at"`
}

type paginatedEvents struct {
	Items     []EventResponse `json:"items"`
	NextAfter int64           `json:"next_after,omitempty"`
}

type LinkChangeResponse struct {
	LinkID     int64  `json:"link_id"`
	CampaignID int64  `json:"campaign_id"`
	State      string `json:"state"`
	Changed    bool   `json:"changed"`
	Reason     string `json:"reason,omitempty"`
}

type MarkResponse struct {
	LeadID     int64                `json:"lead_id"`
	Orgnr      string               `json:"orgnr"`
	Status     string               `json:"status"`
	Links      []LinkChangeResponse `json:"links"`
	EventIDs   []int64              `json:"event_ids"`
	Suppressed bool                 `json:"suppressed"`
}

func campaignResponse(c domain.Campaign) CampaignResponse {
	return CampaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		LeadType:  string(c.LeadType),
		FromName:  c.FromName,
		FromEmail: c.FromEmail,
		ReplyTo:   c.ReplyTo,
		DryRun:    c.DryRun,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func linkCountsResponse(c repo.LinkCounts) LinkCountsResponse {
	tiers := make(map[string]int, len(c.Tiers))
	for tier, n := range c.Tiers {
		tiers[tierKey(tier)] = n
	}
	return LinkCountsResponse{
		Total:   c.Total,
		Active:  c.Active,
		Stopped: nonNilMap(c.Stopped),
		Tiers:   tiers,
	}
}

func tierKey(tier int) string {
	if tier <= 0 {
		return "none"
	}
	return strconv.Itoa(tier)
}

func statsResponse(st engine.Stats) StatsResponse {
	return StatsResponse{
		Campaign: campaignResponse(st.Campaign),
		Links:    linkCountsResponse(st.Links),
		Messages: nonNilMap(st.Messages),
		Events:   nonNilMap(st.Events),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		LeadID:     e.LeadID,
		CampaignID: e.CampaignID,
		MessageID:  e.MessageID,
		Type:       string(e.Type),
		Meta:       decodeJSONMap(e.Meta),
		CreatedAt:  e.CreatedAt,
	}
}

func markResponse(res engine.MarkResult) MarkResponse {
	out := MarkResponse{
		LeadID:     res.LeadID,
		Orgnr:      res.Orgnr,
		Status:     string(res.Status),
		Links:      []LinkChangeResponse{},
		EventIDs:   nonNilSlice(res.EventIDs),
		Suppressed: res.Suppressed,
	}
	for _, l := range res.Links {
		out.Links = append(out.Links, LinkChangeResponse{
			LinkID:     l.LinkID,
			CampaignID: l.CampaignID,
			State:      l.State.String(),
			Changed:    l.Changed,
			Reason:     string(l.Reason),
		})
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilMap(in map[string]int) map[string]int {
	if in == nil {
		return map[string]int{}
	}
	return in
}
