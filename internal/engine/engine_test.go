package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/companies"
	"leadline/internal/companies/companiestest"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
	"leadline/internal/repo/repotest"
	"leadline/internal/sending"
	"leadline/internal/targeting"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := repotest.Open(t)
	cfg := config.Default()
	eng := engine.New(conn, cfg, nil).WithClock(func() time.Time { return repotest.Clock })
	return testEnv{Engine: eng, Repo: eng.Repo, Ctx: context.Background()}
}

func (env testEnv) linkedLead(t *testing.T, orgnr string, campaigns ...domain.Campaign) int64 {
	t.Helper()
	id, err := env.Repo.UpsertLead(env.Ctx, nil, domain.Lead{Orgnr: orgnr, LeadType: domain.LeadCustomer}, repotest.Clock)
	require.NoError(t, err)
	require.NoError(t, env.Repo.ReplaceLeadEmails(env.Ctx, nil, id, []string{orgnr + "@x.se"}))
	for _, c := range campaigns {
		_, err := env.Repo.InsertLinkIfAbsent(env.Ctx, nil, domain.Link{LeadID: id, CampaignID: c.ID}, repotest.Clock)
		require.NoError(t, err)
	}
	return id
}

func TestStopReasonIsWriteOnce(t *testing.T) {
	env := newTestEnv(t)
	c := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej"))
	lead := env.linkedLead(t, "1", c)

	first, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventReply, LeadID: lead, CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, first.Links, 1)
	assert.True(t, first.Links[0].Changed)
	assert.Equal(t, domain.LeadReplied, first.Status)

	second, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventWon, LeadID: lead, CampaignID: c.ID, Note: "signed"})
	require.NoError(t, err)
	require.Len(t, second.Links, 1)
	assert.False(t, second.Links[0].Changed)
	assert.Equal(t, domain.StopReplied, second.Links[0].Reason)
	assert.Equal(t, domain.LeadWon, second.Status)

	link, err := env.Repo.GetLink(env.Ctx, nil, lead, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StopReplied, link.State.Reason())

	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{LeadID: lead})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventReply, evs[0].Type)
	assert.JSONEq(t, `{"note":"signed"}`, evs[1].Meta)
}

func TestMarkWithoutCampaignStopsEveryActiveLink(t *testing.T) {
	env := newTestEnv(t)
	a := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "a", DryRun: true}, repotest.Steps("Hej"))
	b := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "b", DryRun: true}, repotest.Steps("Hej"))
	c := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "c", DryRun: true}, repotest.Steps("Hej"))
	lead := env.linkedLead(t, "1", a, b, c)
	_, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventLost, LeadID: lead, CampaignID: c.ID})
	require.NoError(t, err)

	res, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventManualStop, LeadID: lead})
	require.NoError(t, err)
	require.Len(t, res.Links, 2)
	assert.Len(t, res.EventIDs, 2)
	assert.Equal(t, domain.LeadLost, res.Status)
	for _, l := range res.Links {
		assert.Equal(t, domain.StopManual, l.Reason)
	}
	assert.False(t, res.Suppressed)
}

func TestMarkUnknownTargetsAreNotFound(t *testing.T) {
	env := newTestEnv(t)
	c := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej"))
	lead := env.linkedLead(t, "1", c)

	_, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventReply, LeadID: 999})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventBounce, MessageID: 999})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventReply, LeadID: lead, CampaignID: 999})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: "waved", LeadID: lead})
	assert.Error(t, err)
	_, err = env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventReply})
	assert.Error(t, err)

	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestSuppressionAfterBounceScenario(t *testing.T) {
	env := newTestEnv(t)
	path := companiestest.New(t, companiestest.Company("5560001111", "Göteborg", "62010", "a@x.se"))
	ro, err := db.OpenReadOnly(db.Config{Workspace: filepath.Dir(path), Name: filepath.Base(path)})
	require.NoError(t, err)
	t.Cleanup(func() { ro.Close() })
	c := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej", "Igen"))

	clock := func() time.Time { return repotest.Clock }
	sel := targeting.Selector{Repo: env.Repo, Companies: companies.Store{DB: ro}, Suppression: env.Engine.Suppression, Config: env.Engine.Config.Targeting, Now: clock}
	snd := sending.Engine{Repo: env.Repo, Events: env.Engine.Events, Suppression: env.Engine.Suppression, Renderer: env.Engine.Renderer, Config: env.Engine.Config.Sending, Now: clock}
	req := targeting.DefaultRequest(env.Engine.Config.Targeting, "q2")
	req.Cities = []string{"Göteborg"}

	first, err := sel.Run(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, first.LinksCreated)
	sent, err := snd.Run(env.Ctx, sending.Request{Campaign: "q2"})
	require.NoError(t, err)
	require.Equal(t, 1, sent.Queued)

	var msgID int64
	require.NoError(t, env.Repo.DB.QueryRow(`SELECT id FROM email_messages`).Scan(&msgID))
	res, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventBounce, MessageID: msgID, Note: "550 mailbox unavailable"})
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Equal(t, domain.LeadDoNotContact, res.Status)

	msg, err := env.Repo.GetMessage(env.Ctx, nil, msgID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageBounced, msg.Status)
	blocked, err := env.Engine.Suppression.IsEmailSuppressed(env.Ctx, nil, "a@x.se")
	require.NoError(t, err)
	assert.True(t, blocked)
	orgBlocked, err := env.Engine.Suppression.IsOrgSuppressed(env.Ctx, "5560001111")
	require.NoError(t, err)
	assert.True(t, orgBlocked)

	second, err := sel.Run(env.Ctx, req)
	require.NoError(t, err)
	assert.Zero(t, second.LinksCreated)
	assert.Equal(t, 1, second.Suppressed)

	due, err := env.Repo.DueLinks(env.Ctx, c.ID, repotest.Clock.Add(1000*time.Hour), repo.DueOptions{})
	require.NoError(t, err)
	assert.Empty(t, due)

	// do_not_contact is absorbing even for later positive outcomes
	res, err = env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventWon, LeadID: res.LeadID})
	require.NoError(t, err)
	assert.Equal(t, domain.LeadDoNotContact, res.Status)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	c := repotest.Campaign(t, env.Repo.DB, domain.Campaign{Name: "q2", DryRun: true}, repotest.Steps("Hej"))
	a := env.linkedLead(t, "1", c)
	env.linkedLead(t, "2", c)
	_, err := env.Engine.Mark(env.Ctx, engine.MarkRequest{Type: domain.EventBooked, LeadID: a})
	require.NoError(t, err)

	st, err := env.Engine.Stats(env.Ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Links.Total)
	assert.Equal(t, 1, st.Links.Active)
	assert.Equal(t, map[string]int{"booked": 1}, st.Links.Stopped)
	assert.Equal(t, map[string]int{"booked": 1}, st.Events)

	_, err = env.Engine.Stats(env.Ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestImportCampaign(t *testing.T) {
	env := newTestEnv(t)
	f := engine.CampaignFile{
		Name:      "q3",
		FromEmail: "sara@leadline.se",
		Steps: []engine.CampaignStep{
			{Step: 1, Subject: "Hej {{ company_name }}", Body: "..."},
			{Step: 3, Subject: "Igen", Body: "..."},
		},
	}
	_, err := env.Engine.ImportCampaign(env.Ctx, f)
	assert.ErrorIs(t, err, domain.ErrTemplateMissing)

	f.Steps[1].Step = 2
	d, err := env.Engine.ImportCampaign(env.Ctx, f)
	require.NoError(t, err)
	assert.True(t, d.DryRun)
	assert.Equal(t, domain.LeadCustomer, d.LeadType)
	require.Len(t, d.Templates, 2)
	assert.Equal(t, "A", d.Templates[0].Variant)

	f.Steps = f.Steps[:1]
	d, err = env.Engine.ImportCampaign(env.Ctx, f)
	require.NoError(t, err)
	assert.Len(t, d.Templates, 1)
}

func TestParseMarkType(t *testing.T) {
	cases := map[string]domain.EventType{
		"contacted":   domain.EventSent,
		"Bounced":     domain.EventBounce,
		"deal":        domain.EventWon,
		"manual-stop": domain.EventManualStop,
		"manual_stop": domain.EventManualStop,
		"complaint":   domain.EventComplaint,
	}
	for in, want := range cases {
		got, err := engine.ParseMarkType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := engine.ParseMarkType("waved")
	assert.Error(t, err)
}
