package targeting_test

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
	"leadline/internal/repo"
	"leadline/internal/repo/repotest"
	"leadline/internal/suppression"
	"leadline/internal/targeting"
)

type env struct {
	sel      targeting.Selector
	repo     repo.Repo
	campaign domain.Campaign
	ctx      context.Context
}

func newEnv(t *testing.T, companiesPath string) env {
	t.Helper()
	conn := repotest.Open(t)
	ro, err := db.OpenReadOnly(db.Config{Workspace: filepath.Dir(companiesPath), Name: filepath.Base(companiesPath)})
	require.NoError(t, err)
	t.Cleanup(func() { ro.Close() })
	r := repo.Repo{DB: conn}
	clock := func() time.Time { return repotest.Clock }
	return env{
		sel: targeting.Selector{
			Repo:        r,
			Companies:   companies.Store{DB: ro},
			Suppression: suppression.Policy{Repo: r, Now: clock},
			Config:      config.Default().Targeting,
			Now:         clock,
		},
		repo:     r,
		campaign: repotest.Campaign(t, conn, domain.Campaign{Name: "q2-it", DryRun: true}, repotest.Steps("Hej")),
		ctx:      context.Background(),
	}
}

func (e env) request(mut func(*targeting.Request)) targeting.Request {
	req := targeting.DefaultRequest(e.sel.Config, e.campaign.Name)
	if mut != nil {
		mut(&req)
	}
	return req
}

func TestBasicTargetingScenario(t *testing.T) {
	e := newEnv(t, companiestest.New(t, companiestest.Company("5560001111", "Göteborg", "62010", "a@x.se")))

	sum, err := e.sel.Run(e.ctx, e.request(func(r *targeting.Request) { r.Cities = []string{"Göteborg"} }))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Matched)
	assert.Equal(t, 1, sum.LeadsUpserted)
	assert.Equal(t, 1, sum.LinksCreated)
	assert.Equal(t, map[int]int{1: 1}, sum.Tiers)
	assert.NotEmpty(t, sum.RunID)

	lead, err := e.repo.GetLeadByOrgnr(e.ctx, "5560001111")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.se"}, lead.Emails)
	assert.Equal(t, domain.LeadNew, lead.Status)
	link, err := e.repo.GetLink(e.ctx, nil, lead.ID, e.campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, link.Tier)
	assert.Equal(t, 1, *link.Tier)
	assert.Equal(t, 500.0, link.Score)
	assert.Equal(t, map[string]bool{"city": true}, link.MatchFlags)
}

func TestTargetingIsIdempotent(t *testing.T) {
	e := newEnv(t, companiestest.New(t,
		companiestest.Company("1", "Lund", "62010", "a@x.se"),
		companiestest.Company("2", "Lund", "62020", "b@x.se"),
	))
	req := e.request(func(r *targeting.Request) { r.SNI = []string{"62"} })

	first, err := e.sel.Run(e.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.LinksCreated)

	second, err := e.sel.Run(e.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LinksCreated)
	assert.Equal(t, 2, second.LinksExisting)
	assert.Equal(t, map[int]int{1: 2}, first.Tiers)
	assert.Empty(t, second.Tiers)

	var stored int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM lead_campaigns WHERE tier=1`).Scan(&stored))
	assert.Equal(t, first.Tiers[1], stored)

	var n int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM lead_campaigns`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestStaggerSpreadsSchedule(t *testing.T) {
	e := newEnv(t, companiestest.New(t,
		companiestest.Company("1", "Lund", "62010", "a@x.se"),
		companiestest.Company("2", "Lund", "62010", ""),
		companiestest.Company("3", "Lund", "62010", "c@x.se"),
	))
	sum, err := e.sel.Run(e.ctx, e.request(func(r *targeting.Request) { r.StaggerMinutes = 5 }))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.LinksCreated)
	assert.Equal(t, 1, sum.SkippedNoEmail)

	want := map[string]time.Time{"1": repotest.Clock, "3": repotest.Clock.Add(5 * time.Minute)}
	for orgnr, at := range want {
		lead, err := e.repo.GetLeadByOrgnr(e.ctx, orgnr)
		require.NoError(t, err)
		link, err := e.repo.GetLink(e.ctx, nil, lead.ID, e.campaign.ID)
		require.NoError(t, err)
		require.NotNil(t, link.NextSendAt)
		assert.True(t, at.Equal(*link.NextSendAt), orgnr)
	}
}

func TestMissingEmailIsUpsertedButNotLinked(t *testing.T) {
	e := newEnv(t, companiestest.New(t, companiestest.Company("1", "Umeå", "62010", "  ")))
	sum, err := e.sel.Run(e.ctx, e.request(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LeadsUpserted)
	assert.Equal(t, 1, sum.SkippedNoEmail)
	assert.Equal(t, 0, sum.LinksCreated)

	lead, err := e.repo.GetLeadByOrgnr(e.ctx, "1")
	require.NoError(t, err)
	_, err = e.repo.GetLink(e.ctx, nil, lead.ID, e.campaign.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConfigurationErrorsWriteNothing(t *testing.T) {
	e := newEnv(t, companiestest.New(t, companiestest.Company("1", "Lund", "62010", "a@x.se")))

	_, err := e.sel.Run(e.ctx, targeting.Request{Campaign: "nope"})
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
	assert.Contains(t, err.Error(), "nope")

	_, err = e.sel.Run(e.ctx, e.request(func(r *targeting.Request) { r.SNIGroups = []string{"it", "aerospace"} }))
	assert.ErrorIs(t, err, domain.ErrSNIGroupNotFound)
	assert.Contains(t, err.Error(), "aerospace")

	var n int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM leads`).Scan(&n))
	assert.Zero(t, n)
}

func TestSuppressedOrgsAreExcluded(t *testing.T) {
	e := newEnv(t, companiestest.New(t,
		companiestest.Company("1", "Lund", "62010", "a@x.se"),
		companiestest.Company("2", "Lund", "62010", "b@x.se"),
	))
	require.NoError(t, e.sel.Suppression.Suppress(e.ctx, nil, "", "2", "manual"))

	sum, err := e.sel.Run(e.ctx, e.request(nil))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Matched)
	assert.Equal(t, 1, sum.Suppressed)
	assert.Equal(t, 1, sum.LinksCreated)

	off, err := e.sel.Run(e.ctx, e.request(func(r *targeting.Request) { r.ExcludeDNC = false }))
	require.NoError(t, err)
	assert.Equal(t, 0, off.Suppressed)
	assert.Equal(t, 1, off.LinksCreated)
}

func TestBestEffortGradesMisses(t *testing.T) {
	both := companiestest.Company("1", "Lund", "62010", "a@x.se")
	cityOnly := companiestest.Company("2", "Lund", "41200", "b@x.se")
	cityOnly.HasTech = true
	neither := companiestest.Company("3", "Kiruna", "41200", "c@x.se")
	e := newEnv(t, companiestest.New(t, both, cityOnly, neither))

	withFilters := func(mode string) func(*targeting.Request) {
		return func(r *targeting.Request) {
			r.Cities = []string{"lund"}
			r.SNIGroups = []string{"it"}
			r.MatchMode = mode
		}
	}
	strict, err := e.sel.Run(e.ctx, e.request(withFilters(config.MatchStrict)))
	require.NoError(t, err)
	assert.Equal(t, 1, strict.Matched)
	assert.Equal(t, map[int]int{1: 1}, strict.Tiers)

	loose, err := e.sel.Run(e.ctx, e.request(withFilters(config.MatchBestEffort)))
	require.NoError(t, err)
	assert.Equal(t, 3, loose.Matched)
	assert.Equal(t, 2, loose.LinksCreated)
	assert.Equal(t, 1, loose.LinksExisting)
	assert.Equal(t, map[int]int{2: 1, 3: 1}, loose.Tiers)

	scores := map[string]float64{"2": 410, "3": 300}
	for orgnr, want := range scores {
		lead, err := e.repo.GetLeadByOrgnr(e.ctx, orgnr)
		require.NoError(t, err)
		link, err := e.repo.GetLink(e.ctx, nil, lead.ID, e.campaign.ID)
		require.NoError(t, err)
		assert.Equal(t, want, link.Score, orgnr)
		assert.GreaterOrEqual(t, *link.Tier, 1)
		assert.LessOrEqual(t, *link.Tier, 5)
	}
}

func TestBestEffortLimitTakesBestFirst(t *testing.T) {
	e := newEnv(t, companiestest.New(t,
		companiestest.Company("1", "Kiruna", "41200", "a@x.se"),
		companiestest.Company("2", "Lund", "41200", "b@x.se"),
	))
	sum, err := e.sel.Run(e.ctx, e.request(func(r *targeting.Request) {
		r.Cities = []string{"Lund"}
		r.MatchMode = config.MatchBestEffort
		r.Limit = 1
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)
	_, err = e.repo.GetLeadByOrgnr(e.ctx, "2")
	require.NoError(t, err)
	_, err = e.repo.GetLeadByOrgnr(e.ctx, "1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMissingOptionalColumnDropsFilter(t *testing.T) {
	e := newEnv(t, companiestest.NewMinimal(t, companiestest.Company("1", "Lund", "62010", "a@x.se")))
	sum, err := e.sel.Run(e.ctx, e.request(func(r *targeting.Request) { r.Employees = []string{"10-19"} }))
	require.NoError(t, err)
	assert.Equal(t, []string{"employees"}, sum.DroppedFilters)
	assert.Equal(t, 1, sum.LinksCreated)
}
