package sending_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/render"
	"leadline/internal/repo"
	"leadline/internal/repo/repotest"
	"leadline/internal/sending"
	"leadline/internal/suppression"
	"leadline/internal/transport"
)

type env struct {
	eng  sending.Engine
	repo repo.Repo
	ctx  context.Context
	now  *time.Time
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn := repotest.Open(t)
	r := repo.Repo{DB: conn}
	now := repotest.Clock
	clock := func() time.Time { return now }
	e := env{repo: r, ctx: context.Background(), now: &now}
	e.eng = sending.Engine{
		Repo:        r,
		Events:      events.Writer{Now: clock},
		Suppression: suppression.Policy{Repo: r, Now: clock},
		Renderer:    render.New(),
		Config:      config.Default().Sending,
		Now:         func() time.Time { return *e.now },
	}
	return e
}

func (e env) campaign(t *testing.T, c domain.Campaign, ts []domain.Template) domain.Campaign {
	return repotest.Campaign(t, e.repo.DB, c, ts)
}

func (e env) link(t *testing.T, c domain.Campaign, orgnr string, addrs ...string) (int64, int64) {
	t.Helper()
	leadID, err := e.repo.UpsertLead(e.ctx, nil, domain.Lead{Orgnr: orgnr, CompanyName: "Bolag " + orgnr, LeadType: domain.LeadCustomer}, repotest.Clock)
	require.NoError(t, err)
	require.NoError(t, e.repo.ReplaceLeadEmails(e.ctx, nil, leadID, addrs))
	tier := 1
	_, err = e.repo.InsertLinkIfAbsent(e.ctx, nil, domain.Link{LeadID: leadID, CampaignID: c.ID, Tier: &tier, Score: 500}, repotest.Clock)
	require.NoError(t, err)
	l, err := e.repo.GetLink(e.ctx, nil, leadID, c.ID)
	require.NoError(t, err)
	return leadID, l.ID
}

func (e env) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.repo.DB.QueryRow(query, args...).Scan(&n))
	return n
}

func TestSequenceAdvanceScenario(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej {{ company_name }}", "Uppföljning"))
	_, linkID := e.link(t, c, "1", "a@x.se")

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "q2", AdvanceState: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Due)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 1, sum.Advanced)
	assert.True(t, sum.DryRun)

	assert.Equal(t, 1, e.count(t, `SELECT COUNT(*) FROM email_messages`))
	var subject, status string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT subject_rendered, status FROM email_messages`).Scan(&subject, &status))
	assert.Equal(t, "Hej Bolag 1", subject)
	assert.Equal(t, "queued", status)
	assert.Zero(t, e.count(t, `SELECT COUNT(*) FROM events`))

	link, err := e.repo.GetLinkByID(e.ctx, nil, linkID)
	require.NoError(t, err)
	assert.Equal(t, 2, link.CurrentStep)
	assert.Equal(t, "A", link.CurrentVariant)
	require.NotNil(t, link.NextSendAt)
	assert.True(t, repotest.Clock.Add(72*time.Hour).Equal(*link.NextSendAt))

	again, err := e.eng.Run(e.ctx, sending.Request{Campaign: "q2", AdvanceState: true})
	require.NoError(t, err)
	assert.Zero(t, again.Due)
}

func TestWithoutAdvanceTheCursorStays(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("a", "b"))
	_, linkID := e.link(t, c, "1", "a@x.se")

	_, err := e.eng.Run(e.ctx, sending.Request{Campaign: "q2"})
	require.NoError(t, err)
	link, err := e.repo.GetLinkByID(e.ctx, nil, linkID)
	require.NoError(t, err)
	assert.Equal(t, 1, link.CurrentStep)
	assert.Nil(t, link.NextSendAt)
}

func TestLiveSendRecordsEventAndContactsLead(t *testing.T) {
	e := newEnv(t)
	rec := &transport.Recorder{Now: func() time.Time { return repotest.Clock }}
	e.eng.Transport = rec
	c := e.campaign(t, domain.Campaign{Name: "live", FromName: "Sara", FromEmail: "sara@leadline.se"}, repotest.Steps("Hej"))
	leadID, _ := e.link(t, c, "1", "a@x.se")

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "live", AdvanceState: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.False(t, sum.DryRun)
	require.Len(t, rec.Sent, 1)
	assert.Equal(t, "a@x.se", rec.Sent[0].To)
	assert.Equal(t, "Sara", rec.Sent[0].FromName)

	var status, provider string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT status, provider_message_id FROM email_messages`).Scan(&status, &provider))
	assert.Equal(t, "sent", status)
	assert.Equal(t, "rec-1", provider)
	assert.Equal(t, 1, e.count(t, `SELECT COUNT(*) FROM events WHERE type='sent' AND lead_id=?`, leadID))

	lead, err := e.repo.GetLead(e.ctx, nil, leadID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadContacted, lead.Status)
}

func TestForceDryRunKeepsLiveCampaignQueued(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "live"}, repotest.Steps("Hej"))
	e.link(t, c, "1", "a@x.se")

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "live", ForceDryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Queued)
	assert.True(t, sum.DryRun)
}

func TestFailedSendDoesNotAdvance(t *testing.T) {
	e := newEnv(t)
	e.eng.Transport = &transport.Recorder{Fail: map[string]bool{"a@x.se": true}}
	c := e.campaign(t, domain.Campaign{Name: "live"}, repotest.Steps("Hej", "Igen"))
	_, linkID := e.link(t, c, "1", "a@x.se")

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "live", AdvanceState: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Advanced)

	var status, msg string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT status, error FROM email_messages`).Scan(&status, &msg))
	assert.Equal(t, "failed", status)
	assert.Contains(t, msg, "mailbox unavailable")
	assert.Zero(t, e.count(t, `SELECT COUNT(*) FROM events`))
	link, err := e.repo.GetLinkByID(e.ctx, nil, linkID)
	require.NoError(t, err)
	assert.Equal(t, 1, link.CurrentStep)
}

func TestInterruptDuringSendCommitsTheStartedLink(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &transport.Recorder{AfterSend: func(transport.Email) { cancel() }}
	e.eng.Transport = rec
	c := e.campaign(t, domain.Campaign{Name: "live"}, repotest.Steps("Hej", "Igen"))
	firstLead, firstLink := e.link(t, c, "1", "a@x.se")
	_, secondLink := e.link(t, c, "2", "b@x.se")

	sum, err := e.eng.Run(ctx, sending.Request{Campaign: "live", AdvanceState: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Sent)
	require.Len(t, rec.Sent, 1)

	var status string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT status FROM email_messages WHERE lead_id=?`, firstLead).Scan(&status))
	assert.Equal(t, "sent", status)
	assert.Equal(t, 1, e.count(t, `SELECT COUNT(*) FROM events WHERE type='sent'`))
	lead, err := e.repo.GetLead(e.ctx, nil, firstLead)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadContacted, lead.Status)

	first, err := e.repo.GetLinkByID(e.ctx, nil, firstLink)
	require.NoError(t, err)
	assert.Equal(t, 2, first.CurrentStep)
	second, err := e.repo.GetLinkByID(e.ctx, nil, secondLink)
	require.NoError(t, err)
	assert.Equal(t, 1, second.CurrentStep)

	again, err := e.eng.Run(e.ctx, sending.Request{Campaign: "live", AdvanceState: true})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Due)
	require.Len(t, rec.Sent, 2)
	assert.Equal(t, "b@x.se", rec.Sent[1].To)
}

func TestConfigurationErrorsBeforeWrites(t *testing.T) {
	e := newEnv(t)
	_, err := e.eng.Run(e.ctx, sending.Request{Campaign: "ghost"})
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)

	live := e.campaign(t, domain.Campaign{Name: "live"}, repotest.Steps("Hej"))
	e.link(t, live, "1", "a@x.se")
	_, err = e.eng.Run(e.ctx, sending.Request{Campaign: "live"})
	assert.ErrorIs(t, err, domain.ErrNoTransport)

	gap := e.campaign(t, domain.Campaign{Name: "gap", DryRun: true}, []domain.Template{
		{Step: 1, Variant: "A", Subject: "s", Body: "b"},
		{Step: 3, Variant: "A", Subject: "s", Body: "b"},
	})
	e.link(t, gap, "2", "b@x.se")
	_, err = e.eng.Run(e.ctx, sending.Request{Campaign: "gap"})
	assert.ErrorIs(t, err, domain.ErrTemplateMissing)

	empty := e.campaign(t, domain.Campaign{Name: "empty", DryRun: true}, nil)
	e.link(t, empty, "3", "c@x.se")
	_, err = e.eng.Run(e.ctx, sending.Request{Campaign: "empty"})
	assert.ErrorIs(t, err, domain.ErrTemplateMissing)

	broken := e.campaign(t, domain.Campaign{Name: "broken", DryRun: true}, []domain.Template{{Step: 1, Variant: "A", Subject: "{% if %}", Body: "b"}})
	e.link(t, broken, "4", "d@x.se")
	_, err = e.eng.Run(e.ctx, sending.Request{Campaign: "broken"})
	assert.Error(t, err)

	assert.Zero(t, e.count(t, `SELECT COUNT(*) FROM email_messages`))
}

func TestVariantFallbackAndCarryForward(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "ab", DryRun: true}, []domain.Template{
		{Step: 1, Variant: "B", Subject: "one-B", Body: "b"},
		{Step: 1, Variant: "A", Subject: "one-A", Body: "b"},
		{Step: 2, Variant: "B", Subject: "two-B", Body: "b"},
		{Step: 2, Variant: "A", Subject: "two-A", Body: "b"},
	})
	_, linkID := e.link(t, c, "1", "a@x.se")

	_, err := e.eng.Run(e.ctx, sending.Request{Campaign: "ab", AdvanceState: true})
	require.NoError(t, err)
	*e.now = e.now.Add(73 * time.Hour)
	_, err = e.eng.Run(e.ctx, sending.Request{Campaign: "ab", AdvanceState: true})
	require.NoError(t, err)

	rows, err := e.repo.DB.Query(`SELECT subject_rendered, variant FROM email_messages ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var s, v string
		require.NoError(t, rows.Scan(&s, &v))
		got = append(got, s+"/"+v)
	}
	assert.Equal(t, []string{"one-A/A", "two-A/A"}, got)

	link, err := e.repo.GetLinkByID(e.ctx, nil, linkID)
	require.NoError(t, err)
	assert.Equal(t, 3, link.CurrentStep)
}

func TestExhaustedSequenceCompletes(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "one", DryRun: true}, repotest.Steps("Hej"))
	_, linkID := e.link(t, c, "1", "a@x.se")

	_, err := e.eng.Run(e.ctx, sending.Request{Campaign: "one", AdvanceState: true})
	require.NoError(t, err)
	*e.now = e.now.Add(100 * time.Hour)
	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "one", AdvanceState: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Zero(t, sum.Rendered)

	link, err := e.repo.GetLinkByID(e.ctx, nil, linkID)
	require.NoError(t, err)
	assert.Equal(t, domain.StopCompleted, link.State.Reason())
	assert.Equal(t, 1, e.count(t, `SELECT COUNT(*) FROM email_messages`))
}

func TestRecipientSkipsSuppressedAddresses(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej"))
	e.link(t, c, "1", "blocked@x.se", "ok@x.se")
	e.link(t, c, "2", "blocked@x.se")
	e.link(t, c, "3")
	require.NoError(t, e.eng.Suppression.Suppress(e.ctx, nil, "blocked@x.se", "", "bounce"))

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "q2"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Due)
	assert.Equal(t, 1, sum.Rendered)
	assert.Equal(t, 2, sum.SkippedNoEmail)

	var to string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT to_email FROM email_messages`).Scan(&to))
	assert.Equal(t, "ok@x.se", to)
}

func TestDoNotContactLeadsAreNeverDue(t *testing.T) {
	e := newEnv(t)
	c := e.campaign(t, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej"))
	leadID, _ := e.link(t, c, "1", "a@x.se")
	_, err := e.repo.AdvanceLeadStatus(e.ctx, nil, leadID, domain.LeadDoNotContact, repotest.Clock)
	require.NoError(t, err)

	sum, err := e.eng.Run(e.ctx, sending.Request{Campaign: "q2"})
	require.NoError(t, err)
	assert.Zero(t, sum.Due)
}

func TestDelayUsesLowerBound(t *testing.T) {
	assert.Equal(t, 72*time.Hour, sending.Delay(config.Sending{MinDelayHours: 72, MaxDelayHours: 120}))
	assert.Equal(t, 24*time.Hour, sending.Delay(config.Sending{MinDelayHours: 48, MaxDelayHours: 24}))
}
