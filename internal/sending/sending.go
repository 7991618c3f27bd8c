// Package sending runs the per-link send-state machine: pick due links,
// render one message per link, record it and move the cursor forward.
package sending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/logging"
	"leadline/internal/render"
	"leadline/internal/repo"
	"leadline/internal/suppression"
	"leadline/internal/transport"
)

type Request struct {
	Campaign     string
	Limit        int
	AdvanceState bool
	// ForceDryRun keeps every message queued even for a live campaign.
	ForceDryRun bool
}

type Summary struct {
	RunID          string `json:"run_id"`
	Campaign       string `json:"campaign"`
	DryRun         bool   `json:"dry_run"`
	Due            int    `json:"due"`
	Rendered       int    `json:"rendered"`
	Queued         int    `json:"queued"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	SkippedNoEmail int    `json:"skipped_no_email"`
	Completed      int    `json:"completed"`
	Advanced       int    `json:"advanced"`
}

type Engine struct {
	Repo        repo.Repo
	Events      events.Writer
	Suppression suppression.Policy
	Renderer    *render.Renderer
	Transport   transport.Sender
	Config      config.Sending
	Log         logging.Logger
	Now         func() time.Time
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

// sequence is a campaign's templates grouped by step, variants sorted.
type sequence map[int][]domain.Template

func (s sequence) last() int { return len(s) }

// pick returns the preferred variant of step, else the lexicographically
// first one.
func (s sequence) pick(step int, variant string) (domain.Template, bool) {
	ts := s[step]
	if len(ts) == 0 {
		return domain.Template{}, false
	}
	for _, t := range ts {
		if variant != "" && t.Variant == variant {
			return t, true
		}
	}
	return ts[0], true
}

// Delay is the wait between two steps. The window collapses to its lower
// bound.
func Delay(cfg config.Sending) time.Duration {
	h := cfg.MinDelayHours
	if cfg.MaxDelayHours < h {
		h = cfg.MaxDelayHours
	}
	return time.Duration(h) * time.Hour
}

// prepare loads the campaign and checks its configuration without writing.
func (e Engine) prepare(ctx context.Context, name string, forceDryRun bool) (domain.Campaign, sequence, error) {
	c, err := e.Repo.GetCampaignByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return c, nil, fmt.Errorf("%w: %s", domain.ErrCampaignNotFound, name)
	}
	if err != nil {
		return c, nil, err
	}
	templates, err := e.Repo.ListTemplates(ctx, c.ID)
	if err != nil {
		return c, nil, err
	}
	seq, err := buildSequence(e.Renderer, c.Name, templates)
	if err != nil {
		return c, nil, err
	}
	if forceDryRun {
		c.DryRun = true
	}
	if !c.DryRun && e.Transport == nil {
		return c, nil, fmt.Errorf("%w: campaign %s is live", domain.ErrNoTransport, c.Name)
	}
	return c, seq, nil
}

// CheckSequence verifies that templates cover steps 1..N without a gap and
// that every subject and body parses.
func CheckSequence(r *render.Renderer, campaign string, templates []domain.Template) error {
	_, err := buildSequence(r, campaign, templates)
	return err
}

func buildSequence(r *render.Renderer, campaign string, templates []domain.Template) (sequence, error) {
	seq := sequence{}
	top := 0
	for _, t := range templates {
		seq[t.Step] = append(seq[t.Step], t)
		if t.Step > top {
			top = t.Step
		}
	}
	if top == 0 {
		return nil, fmt.Errorf("%w: campaign %s has no templates", domain.ErrTemplateMissing, campaign)
	}
	for step := 1; step <= top; step++ {
		ts, ok := seq[step]
		if !ok {
			return nil, fmt.Errorf("%w: campaign %s step %d", domain.ErrTemplateMissing, campaign, step)
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Variant < ts[j].Variant })
		for _, t := range ts {
			if err := r.Check(t.Subject); err != nil {
				return nil, fmt.Errorf("campaign %s step %d variant %s subject: %w", campaign, step, t.Variant, err)
			}
			if err := r.Check(t.Body); err != nil {
				return nil, fmt.Errorf("campaign %s step %d variant %s body: %w", campaign, step, t.Variant, err)
			}
		}
	}
	return seq, nil
}

type outcome int

const (
	outcomeQueued outcome = iota
	outcomeSent
	outcomeFailed
	outcomeNoEmail
	outcomeCompleted
)

// linkTimeout bounds one link's render, send and commit.
const linkTimeout = 2 * time.Minute

// Run processes the due set of one campaign in its deterministic order. Each
// link commits on its own, so an interrupted run resumes from the due query.
func (e Engine) Run(ctx context.Context, req Request) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Campaign: req.Campaign}
	c, seq, err := e.prepare(ctx, req.Campaign, req.ForceDryRun)
	if err != nil {
		return sum, err
	}
	sum.DryRun = c.DryRun
	limit := req.Limit
	if limit <= 0 {
		limit = e.Config.Limit
	}
	now := e.now()
	due, err := e.Repo.DueLinks(ctx, c.ID, now, repo.DueOptions{
		TierPriority:  e.Config.TierPriority,
		ScorePriority: e.Config.ScorePriority,
		Limit:         limit,
	})
	if err != nil {
		return sum, fmt.Errorf("due links: %w", err)
	}
	sum.Due = len(due)
	log := e.log().With(logging.String("run_id", sum.RunID), logging.String("campaign", c.Name))

	for _, link := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		// A started link runs to commit even when ctx is cancelled mid-send;
		// cancellation is honoured between links.
		linkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), linkTimeout)
		out, advanced, err := e.process(linkCtx, c, seq, link, req.AdvanceState, sum.RunID, now)
		cancel()
		if err != nil {
			return sum, fmt.Errorf("link %d: %w", link.ID, err)
		}
		switch out {
		case outcomeNoEmail:
			sum.SkippedNoEmail++
			log.Debug("link skipped: no usable address", logging.Int64("link_id", link.ID))
		case outcomeCompleted:
			sum.Completed++
		case outcomeQueued:
			sum.Rendered++
			sum.Queued++
		case outcomeSent:
			sum.Rendered++
			sum.Sent++
		case outcomeFailed:
			sum.Rendered++
			sum.Failed++
		}
		if advanced {
			sum.Advanced++
		}
	}
	log.Info("send run complete",
		logging.Bool("dry_run", sum.DryRun), logging.Int("due", sum.Due), logging.Int("rendered", sum.Rendered),
		logging.Int("sent", sum.Sent), logging.Int("failed", sum.Failed), logging.Int("skipped_no_email", sum.SkippedNoEmail),
		logging.Int("advanced", sum.Advanced))
	return sum, nil
}

func (e Engine) process(ctx context.Context, c domain.Campaign, seq sequence, link domain.Link, advance bool, runID string, now time.Time) (outcome, bool, error) {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	if link.CurrentStep > seq.last() {
		if _, changed, err := link.State.Stop(domain.StopCompleted); err != nil || !changed {
			return outcomeCompleted, false, err
		}
		if _, err := e.Repo.StopLink(ctx, tx, link.ID, domain.StopCompleted, now); err != nil {
			return 0, false, err
		}
		return outcomeCompleted, false, tx.Commit()
	}

	lead, err := e.Repo.GetLead(ctx, tx, link.LeadID)
	if err != nil {
		return 0, false, fmt.Errorf("load lead: %w", err)
	}
	to, ok, err := e.Suppression.FirstAllowed(ctx, tx, lead.Emails)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return outcomeNoEmail, false, nil
	}
	tmpl, ok := seq.pick(link.CurrentStep, link.CurrentVariant)
	if !ok {
		return 0, false, fmt.Errorf("%w: campaign %s step %d", domain.ErrTemplateMissing, c.Name, link.CurrentStep)
	}
	rc := render.ContextFor(lead, c, to, link.CurrentStep, tmpl.Variant)
	subject, err := e.Renderer.Render(tmpl.Subject, rc)
	if err != nil {
		return 0, false, fmt.Errorf("render subject: %w", err)
	}
	body, err := e.Renderer.Render(tmpl.Body, rc)
	if err != nil {
		return 0, false, fmt.Errorf("render body: %w", err)
	}
	msg := domain.Message{
		LeadID:      lead.ID,
		CampaignID:  c.ID,
		TemplateID:  tmpl.ID,
		Step:        link.CurrentStep,
		Variant:     tmpl.Variant,
		ToEmail:     to,
		FromEmail:   c.FromEmail,
		Subject:     subject,
		Body:        body,
		Status:      domain.MessageQueued,
		ScheduledAt: link.NextSendAt,
	}
	msgID, err := e.Repo.InsertMessage(ctx, tx, msg, now)
	if err != nil {
		return 0, false, fmt.Errorf("insert message: %w", err)
	}

	out := outcomeQueued
	if !c.DryRun {
		out, err = e.deliver(ctx, tx, c, lead, msg, msgID, runID, now)
		if err != nil {
			return 0, false, err
		}
		if out == outcomeFailed {
			return out, false, tx.Commit()
		}
	}

	advanced := false
	if advance {
		next := now.Add(Delay(e.Config))
		if err := e.Repo.AdvanceLink(ctx, tx, link.ID, link.CurrentStep+1, tmpl.Variant, next, now); err != nil {
			return 0, false, fmt.Errorf("advance link: %w", err)
		}
		advanced = true
	}
	return out, advanced, tx.Commit()
}

func (e Engine) deliver(ctx context.Context, tx *sql.Tx, c domain.Campaign, lead domain.Lead, msg domain.Message, msgID int64, runID string, now time.Time) (outcome, error) {
	receipt, sendErr := e.Transport.Send(ctx, transport.Email{
		To:        msg.ToEmail,
		FromName:  c.FromName,
		FromEmail: c.FromEmail,
		ReplyTo:   c.ReplyTo,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Tags:      map[string]string{"campaign": c.Name, "message_id": fmt.Sprint(msgID)},
	})
	if sendErr != nil {
		e.log().Warn("send failed", logging.Int64("message_id", msgID), logging.Email("to", msg.ToEmail), logging.Error(sendErr))
		if err := e.Repo.UpdateMessage(ctx, tx, msgID, repo.MessageUpdate{Status: domain.MessageFailed, Error: sendErr.Error()}, now); err != nil {
			return 0, err
		}
		return outcomeFailed, nil
	}
	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	if err := e.Repo.UpdateMessage(ctx, tx, msgID, repo.MessageUpdate{
		Status:            domain.MessageSent,
		ProviderMessageID: receipt.ProviderMessageID,
		SentAt:            &sentAt,
	}, now); err != nil {
		return 0, err
	}
	campaignID := c.ID
	if _, err := e.Events.Append(ctx, tx, events.Entry{
		LeadID:     lead.ID,
		CampaignID: &campaignID,
		MessageID:  &msgID,
		Type:       domain.EventSent,
		Meta:       events.Meta{"run_id": runID, "step": msg.Step, "variant": msg.Variant, "transport": e.Transport.Name()},
	}); err != nil {
		return 0, err
	}
	if _, err := e.Repo.AdvanceLeadStatus(ctx, tx, lead.ID, domain.LeadContacted, now); err != nil {
		return 0, err
	}
	return outcomeSent, nil
}
