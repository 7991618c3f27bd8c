package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"leadline/internal/domain"
)

const campaignColumns = `id,name,lead_type,COALESCE(from_name,''),COALESCE(from_email,''),COALESCE(reply_to,''),dry_run,created_at,updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (domain.Campaign, error) {
	var c domain.Campaign
	var dry int
	err := row.Scan(&c.ID, &c.Name, &c.LeadType, &c.FromName, &c.FromEmail, &c.ReplyTo, &dry, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.DryRun = dry != 0
	return c, err
}

func (r Repo) GetCampaignByName(ctx context.Context, name string) (domain.Campaign, error) {
	return scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE name=?`, name))
}

func (r Repo) GetCampaign(ctx context.Context, tx *sql.Tx, id int64) (domain.Campaign, error) {
	return scanCampaign(r.q(tx).QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id))
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertCampaign creates the campaign or updates its settings, keyed by name.
func (r Repo) UpsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign, now time.Time) (int64, error) {
	ts := Timestamp(now)
	var id int64
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO campaigns(name,lead_type,from_name,from_email,reply_to,dry_run,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET lead_type=excluded.lead_type, from_name=excluded.from_name, from_email=excluded.from_email,
	reply_to=excluded.reply_to, dry_run=excluded.dry_run, updated_at=excluded.updated_at
RETURNING id`,
		c.Name, string(c.LeadType), nullable(c.FromName), nullable(c.FromEmail), nullable(c.ReplyTo), boolInt(c.DryRun), ts, ts).Scan(&id)
	return id, err
}

// ReplaceTemplates swaps the campaign's step templates for ts.
func (r Repo) ReplaceTemplates(ctx context.Context, tx *sql.Tx, campaignID int64, ts []domain.Template, now time.Time) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM campaign_templates WHERE campaign_id=?`, campaignID); err != nil {
		return err
	}
	stamp := Timestamp(now)
	for _, t := range ts {
		if _, err := q.ExecContext(ctx, `INSERT INTO campaign_templates(campaign_id,step,variant,subject,body,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
			campaignID, t.Step, t.Variant, t.Subject, t.Body, stamp, stamp); err != nil {
			return err
		}
	}
	return nil
}

// ListTemplates returns the campaign's templates ordered by step then variant.
func (r Repo) ListTemplates(ctx context.Context, campaignID int64) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,campaign_id,step,variant,subject,body FROM campaign_templates WHERE campaign_id=? ORDER BY step, variant`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.Step, &t.Variant, &t.Subject, &t.Body); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
