// Package repotest opens migrated outreach stores for tests.
package repotest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

// Clock is the fixed instant tests run at.
var Clock = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// Open creates a migrated outreach.db.sqlite in a temp dir.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "outreach.db.sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

// Steps builds one "A" template per subject.
func Steps(subjects ...string) []domain.Template {
	out := make([]domain.Template, 0, len(subjects))
	for i, s := range subjects {
		out = append(out, domain.Template{Step: i + 1, Variant: "A", Subject: s, Body: "Hej {{ company_name }}"})
	}
	return out
}

// Campaign inserts a campaign with templates and returns it.
func Campaign(t testing.TB, conn *sql.DB, c domain.Campaign, templates []domain.Template) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if c.LeadType == "" {
		c.LeadType = domain.LeadCustomer
	}
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	id, err := r.UpsertCampaign(ctx, tx, c, Clock)
	require.NoError(t, err)
	require.NoError(t, r.ReplaceTemplates(ctx, tx, id, templates, Clock))
	require.NoError(t, tx.Commit())
	out, err := r.GetCampaign(ctx, nil, id)
	require.NoError(t, err)
	return out
}
