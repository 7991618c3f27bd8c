package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"leadline/internal/domain"
)

const linkColumns = `lc.id,lc.lead_id,lc.campaign_id,lc.current_step,COALESCE(lc.current_variant,''),lc.next_send_at,lc.stopped_reason,lc.tier,lc.match_flags,COALESCE(lc.score,0),lc.created_at,lc.updated_at`

func scanLink(row interface{ Scan(...any) error }) (domain.Link, error) {
	var (
		l        domain.Link
		next     sql.NullString
		stopped  sql.NullString
		tier     sql.NullInt64
		rawFlags sql.NullString
	)
	err := row.Scan(&l.ID, &l.LeadID, &l.CampaignID, &l.CurrentStep, &l.CurrentVariant, &next, &stopped, &tier, &rawFlags, &l.Score, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.NextSendAt = timePtr(next)
	if stopped.Valid && stopped.String != "" {
		l.State = domain.Stopped(domain.StopReason(stopped.String))
	}
	if tier.Valid {
		t := int(tier.Int64)
		l.Tier = &t
	}
	if rawFlags.Valid && rawFlags.String != "" {
		if err := json.Unmarshal([]byte(rawFlags.String), &l.MatchFlags); err != nil {
			return l, err
		}
	}
	return l, nil
}

// InsertLinkIfAbsent creates the (lead, campaign) link unless one exists.
// It reports whether a row was created; an existing link is left untouched.
func (r Repo) InsertLinkIfAbsent(ctx context.Context, tx *sql.Tx, l domain.Link, now time.Time) (bool, error) {
	var flags any
	if l.MatchFlags != nil {
		b, err := json.Marshal(l.MatchFlags)
		if err != nil {
			return false, err
		}
		flags = string(b)
	}
	step := l.CurrentStep
	if step < 1 {
		step = 1
	}
	ts := Timestamp(now)
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO lead_campaigns(lead_id,campaign_id,current_step,current_variant,next_send_at,tier,match_flags,score,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(lead_id,campaign_id) DO NOTHING`,
		l.LeadID, l.CampaignID, step, nullable(l.CurrentVariant), nullableTime(l.NextSendAt), nullableIntPtr(l.Tier), flags, l.Score, ts, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetLink(ctx context.Context, tx *sql.Tx, leadID, campaignID int64) (domain.Link, error) {
	return scanLink(r.q(tx).QueryRowContext(ctx, `SELECT `+linkColumns+` FROM lead_campaigns lc WHERE lc.lead_id=? AND lc.campaign_id=?`, leadID, campaignID))
}

func (r Repo) GetLinkByID(ctx context.Context, tx *sql.Tx, id int64) (domain.Link, error) {
	return scanLink(r.q(tx).QueryRowContext(ctx, `SELECT `+linkColumns+` FROM lead_campaigns lc WHERE lc.id=?`, id))
}

// LinksForLead lists every link of a lead, active or stopped, by id.
func (r Repo) LinksForLead(ctx context.Context, tx *sql.Tx, leadID int64) ([]domain.Link, error) {
	return r.listLinks(ctx, tx, `SELECT `+linkColumns+` FROM lead_campaigns lc WHERE lc.lead_id=? ORDER BY lc.id`, leadID)
}

func (r Repo) listLinks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Link, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// DueOptions controls the due-set ordering.
type DueOptions struct {
	TierPriority  bool
	ScorePriority bool
	Limit         int
}

// DueLinks returns the links of a campaign that may be sent at now: not
// stopped, scheduled at or before now (or unscheduled), and whose lead is not
// do_not_contact. The order is total and ends in the link id.
func (r Repo) DueLinks(ctx context.Context, campaignID int64, now time.Time, opts DueOptions) ([]domain.Link, error) {
	order := make([]string, 0, 6)
	if opts.TierPriority {
		order = append(order, "(lc.tier IS NULL) ASC", "lc.tier ASC")
	}
	if opts.ScorePriority {
		order = append(order, "COALESCE(lc.score,0) DESC")
	}
	order = append(order, "(lc.next_send_at IS NOT NULL) ASC", "lc.next_send_at ASC", "lc.id ASC")
	query := `SELECT ` + linkColumns + ` FROM lead_campaigns lc JOIN leads l ON l.id = lc.lead_id
WHERE lc.campaign_id=? AND lc.stopped_reason IS NULL AND (lc.next_send_at IS NULL OR lc.next_send_at <= ?) AND l.status <> 'do_not_contact'
ORDER BY ` + strings.Join(order, ", ")
	args := []any{campaignID, Timestamp(now)}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return r.listLinks(ctx, nil, query, args...)
}

// StopLink writes the stop reason unless one is already recorded. It reports
// whether the row changed.
func (r Repo) StopLink(ctx context.Context, tx *sql.Tx, linkID int64, reason domain.StopReason, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE lead_campaigns SET stopped_reason=?, updated_at=? WHERE id=? AND stopped_reason IS NULL`,
		string(reason), Timestamp(now), linkID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AdvanceLink moves the cursor to step with the given variant and schedule.
func (r Repo) AdvanceLink(ctx context.Context, tx *sql.Tx, linkID int64, step int, variant string, next time.Time, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE lead_campaigns SET current_step=?, current_variant=?, next_send_at=?, updated_at=? WHERE id=? AND stopped_reason IS NULL`,
		step, nullable(variant), Timestamp(next), Timestamp(now), linkID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkCounts summarises a campaign's links.
type LinkCounts struct {
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	Stopped map[string]int `json:"stopped"`
	Tiers   map[int]int    `json:"tiers"`
}

func (r Repo) CountLinks(ctx context.Context, campaignID int64) (LinkCounts, error) {
	out := LinkCounts{Stopped: map[string]int{}, Tiers: map[int]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(stopped_reason,''), COALESCE(tier,0), COUNT(*) FROM lead_campaigns WHERE campaign_id=? GROUP BY 1,2`, campaignID)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reason string
			tier   int
			n      int
		)
		if err := rows.Scan(&reason, &tier, &n); err != nil {
			return out, err
		}
		out.Total += n
		if reason == "" {
			out.Active += n
		} else {
			out.Stopped[reason] += n
		}
		if tier > 0 {
			out.Tiers[tier] += n
		}
	}
	return out, rows.Err()
}
