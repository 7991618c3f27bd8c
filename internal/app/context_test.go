package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/companies/companiestest"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/sending"
	"leadline/internal/targeting"
)

func TestOpenMigratesOutreachStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, err := Open(ctx, dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.FileExists(t, filepath.Join(dir, "outreach.db.sqlite"))
	campaigns, err := c.Engine.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Empty(t, campaigns)

	_, err = c.Selector()
	assert.ErrorContains(t, err, "open companies store")
}

func TestSelectorUsesCompaniesStore(t *testing.T) {
	path := companiestest.New(t, companiestest.Company("5560001111", "Malmö", "62010", "a@x.se"))
	cfg := config.Default()
	cfg.Databases.Companies = path
	ctx := context.Background()
	c, err := Open(ctx, t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.Engine.ImportCampaign(ctx, engine.CampaignFile{
		Name:  "q2",
		Steps: []engine.CampaignStep{{Step: 1, Subject: "Hej {{ company_name }}", Body: "..."}},
	})
	require.NoError(t, err)
	sel, err := c.Selector()
	require.NoError(t, err)
	sum, err := sel.Run(ctx, targeting.DefaultRequest(cfg.Targeting, "q2"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LinksCreated)

	snd, err := c.Sender(ctx)
	require.NoError(t, err)
	out, err := snd.Run(ctx, sending.Request{Campaign: "q2"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Queued)
}

func TestNewTransport(t *testing.T) {
	s, err := NewTransport(context.Background(), config.Transport{Kind: config.TransportNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewTransport(context.Background(), config.Transport{Kind: "smtp"})
	assert.ErrorIs(t, err, domain.ErrNoTransport)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadEnv(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEADLINE_TEST_ENV=from-file\n"), 0o600))
	t.Setenv("LEADLINE_TEST_ENV", "")
	os.Unsetenv("LEADLINE_TEST_ENV")
	require.NoError(t, LoadEnv(dir))
	assert.Equal(t, "from-file", os.Getenv("LEADLINE_TEST_ENV"))
}
