package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
	"leadline/internal/repo/repotest"
)

func TestAppendWritesMetaAndRejectsUnknownTypes(t *testing.T) {
	ctx := context.Background()
	conn := repotest.Open(t)
	r := repo.Repo{DB: conn}
	lead, err := r.UpsertLead(ctx, nil, domain.Lead{Orgnr: "5560001111", LeadType: domain.LeadCustomer}, repotest.Clock)
	require.NoError(t, err)

	w := events.Writer{Now: func() time.Time { return repotest.Clock }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	id, err := w.Append(ctx, tx, events.Entry{LeadID: lead, Type: domain.EventReply, Meta: events.Meta{"note": "tack"}})
	require.NoError(t, err)
	_, err = w.Append(ctx, tx, events.Entry{LeadID: lead, Type: "opened"})
	assert.ErrorContains(t, err, "invalid event type")
	require.NoError(t, tx.Commit())

	items, err := r.ListEvents(ctx, repo.EventFilter{LeadID: lead})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Nil(t, items[0].CampaignID)
	assert.JSONEq(t, `{"note":"tack"}`, items[0].Meta)
	assert.Equal(t, "2024-03-04T09:00:00Z", items[0].CreatedAt)

	_, err = conn.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	assert.ErrorContains(t, err, "append-only")
}
