package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/logging"
	"leadline/internal/render"
	"leadline/internal/repo"
	"leadline/internal/suppression"
)

// Engine applies reported outcomes to the outreach store and answers
// statistics queries.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Suppression suppression.Policy
	Renderer    *render.Renderer
	Config      *config.Config
	Log         logging.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log logging.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{},
		Suppression: suppression.Policy{Repo: r},
		Renderer:    render.New(),
		Config:      cfg,
		Log:         log,
		Now:         time.Now,
	}
}

// WithClock pins every time source of the engine to now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Suppression.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() logging.Logger {
	if e.Log == nil {
		return logging.NewNop()
	}
	return e.Log
}

// MarkRequest reports one outcome. Target either a message, or a lead with
// an optional campaign. Without a campaign every active link of the lead is
// affected.
type MarkRequest struct {
	Type       domain.EventType
	LeadID     int64
	CampaignID int64
	MessageID  int64
	Note       string
	Source     string
}

// LinkChange describes what a mark did to one link.
type LinkChange struct {
	LinkID     int64             `json:"link_id"`
	CampaignID int64             `json:"campaign_id"`
	State      domain.LinkState  `json:"state"`
	Changed    bool              `json:"changed"`
	Reason     domain.StopReason `json:"reason,omitempty"`
}

type MarkResult struct {
	LeadID     int64             `json:"lead_id"`
	Orgnr      string            `json:"orgnr"`
	Status     domain.LeadStatus `json:"status"`
	Links      []LinkChange      `json:"links"`
	EventIDs   []int64           `json:"event_ids"`
	Suppressed bool              `json:"suppressed"`
}

// markNames are the operator-facing outcome names accepted by `leadline mark`.
var markNames = map[string]domain.EventType{
	"contacted":    domain.EventSent,
	"replied":      domain.EventReply,
	"bounced":      domain.EventBounce,
	"booked":       domain.EventBooked,
	"won":          domain.EventWon,
	"deal":         domain.EventWon,
	"lost":         domain.EventLost,
	"unsubscribed": domain.EventUnsubscribe,
	"complaint":    domain.EventComplaint,
	"manual-stop":  domain.EventManualStop,
}

// ParseMarkType resolves an outcome name, or a raw event type, to an event type.
func ParseMarkType(name string) (domain.EventType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := markNames[name]; ok {
		return t, nil
	}
	if t := domain.EventType(name); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("unknown outcome %q", name)
}

var messageStatusFor = map[domain.EventType]domain.MessageStatus{
	domain.EventSent:   domain.MessageSent,
	domain.EventReply:  domain.MessageReplied,
	domain.EventBounce: domain.MessageBounced,
}

// Mark applies an outcome in one transaction: lead status, link stop,
// message status, one event per affected link and suppression.
func (e Engine) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	var res MarkResult
	if !req.Type.Valid() {
		return res, fmt.Errorf("unknown event type %q", req.Type)
	}
	if req.MessageID == 0 && req.LeadID == 0 {
		return res, errors.New("lead id or message id is required")
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	var msg *domain.Message
	leadID, campaignID := req.LeadID, req.CampaignID
	if req.MessageID > 0 {
		m, err := e.Repo.GetMessage(ctx, tx, req.MessageID)
		if err != nil {
			return res, fmt.Errorf("message %d: %w", req.MessageID, err)
		}
		if leadID > 0 && leadID != m.LeadID {
			return res, fmt.Errorf("message %d belongs to lead %d, not %d", m.ID, m.LeadID, leadID)
		}
		if campaignID > 0 && campaignID != m.CampaignID {
			return res, fmt.Errorf("message %d belongs to campaign %d, not %d", m.ID, m.CampaignID, campaignID)
		}
		msg = &m
		leadID, campaignID = m.LeadID, m.CampaignID
	}
	lead, err := e.Repo.GetLead(ctx, tx, leadID)
	if err != nil {
		return res, fmt.Errorf("lead %d: %w", leadID, err)
	}
	res.LeadID, res.Orgnr = lead.ID, lead.Orgnr

	var links []domain.Link
	if campaignID > 0 {
		if _, err := e.Repo.GetCampaign(ctx, tx, campaignID); err != nil {
			return res, fmt.Errorf("campaign %d: %w", campaignID, err)
		}
		l, err := e.Repo.GetLink(ctx, tx, leadID, campaignID)
		switch {
		case err == nil:
			links = append(links, l)
		case !errors.Is(err, repo.ErrNotFound):
			return res, err
		}
	} else {
		all, err := e.Repo.LinksForLead(ctx, tx, leadID)
		if err != nil {
			return res, err
		}
		for _, l := range all {
			if l.State.IsActive() {
				links = append(links, l)
			}
		}
	}

	reason, stops := domain.StopReasonFor(req.Type)
	for _, l := range links {
		change := LinkChange{LinkID: l.ID, CampaignID: l.CampaignID, State: l.State}
		if stops {
			next, changed, err := l.State.Stop(reason)
			if err != nil {
				return res, err
			}
			if changed {
				if _, err := e.Repo.StopLink(ctx, tx, l.ID, reason, now); err != nil {
					return res, fmt.Errorf("stop link %d: %w", l.ID, err)
				}
			}
			change.State, change.Changed, change.Reason = next, changed, next.Reason()
		}
		res.Links = append(res.Links, change)
	}

	if msg != nil {
		if st, ok := messageStatusFor[req.Type]; ok && msg.Status != st {
			u := repo.MessageUpdate{Status: st, Error: msg.Error}
			if st == domain.MessageSent && msg.SentAt == nil {
				u.SentAt = &now
			}
			if err := e.Repo.UpdateMessage(ctx, tx, msg.ID, u, now); err != nil {
				return res, err
			}
		}
	}

	meta := events.Meta{}
	if note := strings.TrimSpace(req.Note); note != "" {
		meta["note"] = note
	}
	if req.Source != "" {
		meta["source"] = req.Source
	}
	var msgID *int64
	if msg != nil {
		msgID = &msg.ID
	}
	appendEvent := func(cid *int64) error {
		id, err := e.Events.Append(ctx, tx, events.Entry{LeadID: lead.ID, CampaignID: cid, MessageID: msgID, Type: req.Type, Meta: meta})
		if err != nil {
			return err
		}
		res.EventIDs = append(res.EventIDs, id)
		return nil
	}
	if len(links) == 0 {
		var cid *int64
		if campaignID > 0 {
			cid = &campaignID
		}
		if err := appendEvent(cid); err != nil {
			return res, err
		}
	}
	for _, l := range links {
		cid := l.CampaignID
		if err := appendEvent(&cid); err != nil {
			return res, err
		}
	}

	if req.Type.Suppressing() {
		email := ""
		if msg != nil {
			email = msg.ToEmail
		}
		if err := e.Suppression.Suppress(ctx, tx, email, lead.Orgnr, string(req.Type)); err != nil {
			return res, fmt.Errorf("suppress: %w", err)
		}
		res.Suppressed = true
	}
	res.Status = lead.Status
	if st, ok := domain.LeadStatusFor(req.Type); ok {
		if res.Status, err = e.Repo.AdvanceLeadStatus(ctx, tx, lead.ID, st, now); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.log().Info("outcome recorded",
		logging.String("type", string(req.Type)), logging.Int64("lead_id", lead.ID), logging.String("orgnr", lead.Orgnr),
		logging.Int("links", len(res.Links)), logging.String("status", string(res.Status)), logging.Bool("suppressed", res.Suppressed))
	return res, nil
}

// Stats summarises one campaign from its links, messages and event log.
type Stats struct {
	Campaign domain.Campaign `json:"campaign"`
	Links    repo.LinkCounts `json:"links"`
	Messages map[string]int  `json:"messages"`
	Events   map[string]int  `json:"events"`
}

func (e Engine) Stats(ctx context.Context, campaign string) (Stats, error) {
	var st Stats
	c, err := e.Repo.GetCampaignByName(ctx, campaign)
	if errors.Is(err, repo.ErrNotFound) {
		return st, fmt.Errorf("%w: %s", domain.ErrCampaignNotFound, campaign)
	}
	if err != nil {
		return st, err
	}
	st.Campaign = c
	if st.Links, err = e.Repo.CountLinks(ctx, c.ID); err != nil {
		return st, err
	}
	if st.Messages, err = e.Repo.CountMessages(ctx, c.ID); err != nil {
		return st, err
	}
	if st.Events, err = e.Repo.CountEvents(ctx, c.ID); err != nil {
		return st, err
	}
	return st, nil
}

func (e Engine) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return e.Repo.ListCampaigns(ctx)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}
