package leadlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo/repotest"
	"leadline/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T, perms ...string) (*Client, int64) {
	t.Helper()
	conn := repotest.Open(t)
	e := engine.New(conn, config.Default(), nil).WithClock(func() time.Time { return repotest.Clock })
	c := repotest.Campaign(t, conn, domain.Campaign{Name: "host-24", DryRun: true}, repotest.Steps("Hej"))
	ctx := context.Background()
	lead, err := e.Repo.UpsertLead(ctx, nil, domain.Lead{Orgnr: "5560001111", LeadType: domain.LeadCustomer}, repotest.Clock)
	require.NoError(t, err)
	_, err = e.Repo.InsertLinkIfAbsent(ctx, nil, domain.Link{LeadID: lead, CampaignID: c.ID}, repotest.Clock)
	require.NoError(t, err)

	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tok, err := server.IssueToken(secret, "sdk", perms...)
	require.NoError(t, err)
	return New(srv.URL, tok), lead
}

func TestClientRoundTrip(t *testing.T) {
	client, lead := newClient(t, server.PermissionMarksWrite)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	campaigns, err := client.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "host-24", campaigns[0].Name)

	res, err := client.Mark(ctx, Mark{Type: "unsubscribe", LeadID: lead, Note: "via reply"})
	require.NoError(t, err)
	assert.Equal(t, "do_not_contact", res.Status)
	assert.True(t, res.Suppressed)
	require.Len(t, res.Links, 1)
	assert.Equal(t, "unsubscribed", res.Links[0].Reason)

	st, err := client.Stats(ctx, "host-24")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Links.Stopped["unsubscribed"])
	assert.Equal(t, 1, st.Events["unsubscribe"])

	page, err := client.Events(ctx, EventQuery{LeadID: lead, Type: "unsubscribe"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "via reply", page.Items[0].Meta["note"])
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	client, lead := newClient(t)
	_, err := client.Mark(context.Background(), Mark{Type: "reply", LeadID: lead})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	_, err = client.Stats(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
}
