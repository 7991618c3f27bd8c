package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadline/internal/domain"
)

// Writer appends to the event log. Events are never updated or deleted; the
// schema rejects both.
type Writer struct {
	Now func() time.Time
}

type Meta map[string]any

// Entry is one event to append.
type Entry struct {
	LeadID     int64
	CampaignID *int64
	MessageID  *int64
	Type       domain.EventType
	Meta       Meta
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if !e.Type.Valid() {
		return 0, fmt.Errorf("invalid event type %q", e.Type)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Meta == nil {
		e.Meta = Meta{}
	}
	data, err := json.Marshal(e.Meta)
	if err != nil {
		return 0, fmt.Errorf("marshal event meta: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(lead_id,campaign_id,message_id,type,meta,created_at) VALUES (?,?,?,?,?,?)`,
		e.LeadID, nullableID(e.CampaignID), nullableID(e.MessageID), string(e.Type), string(data), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
