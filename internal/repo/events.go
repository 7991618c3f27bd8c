package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

// EventFilter narrows ListEvents. Zero values are ignored.
type EventFilter struct {
	LeadID     int64
	CampaignID int64
	Type       domain.EventType
	AfterID    int64
	Limit      int
	// Latest selects the newest Limit matches instead of the oldest.
	Latest bool
}

// ListEvents returns events in id order.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.LeadID > 0 {
		clauses = append(clauses, "lead_id=?")
		args = append(args, f.LeadID)
	}
	if f.CampaignID > 0 {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	order := "ASC"
	if f.Latest {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id,lead_id,campaign_id,message_id,type,meta,created_at FROM events WHERE %s ORDER BY id %s LIMIT ?`, strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			campaign sql.NullInt64
			message  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.LeadID, &campaign, &message, &e.Type, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if campaign.Valid {
			e.CampaignID = &campaign.Int64
		}
		if message.Valid {
			e.MessageID = &message.Int64
		}
		res = append(res, e)
	}
	if f.Latest {
		for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
			res[i], res[j] = res[j], res[i]
		}
	}
	return res, rows.Err()
}

// CountEvents groups a campaign's events by type.
func (r Repo) CountEvents(ctx context.Context, campaignID int64) (map[string]int, error) {
	return r.countBy(ctx, `SELECT type, COUNT(*) FROM events WHERE campaign_id=? GROUP BY type`, campaignID)
}
