package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"leadline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message, now time.Time) (int64, error) {
	ts := Timestamp(now)
	status := m.Status
	if status == "" {
		status = domain.MessageQueued
	}
	var tmpl any
	if m.TemplateID != 0 {
		tmpl = m.TemplateID
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO email_messages(lead_id,campaign_id,template_id,step,variant,to_email,from_email,subject_rendered,body_rendered,status,provider_message_id,scheduled_at,sent_at,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.LeadID, m.CampaignID, tmpl, m.Step, nullable(m.Variant), m.ToEmail, nullable(m.FromEmail), m.Subject, m.Body,
		string(status), nullable(m.ProviderMessageID), nullableTime(m.ScheduledAt), nullableTime(m.SentAt), nullable(m.Error), ts, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MessageUpdate is the mutable part of a message row.
type MessageUpdate struct {
	Status            domain.MessageStatus
	ProviderMessageID string
	SentAt            *time.Time
	Error             string
}

func (r Repo) UpdateMessage(ctx context.Context, tx *sql.Tx, id int64, u MessageUpdate, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE email_messages SET status=?, provider_message_id=COALESCE(?,provider_message_id), sent_at=COALESCE(?,sent_at), error=?, updated_at=? WHERE id=?`,
		string(u.Status), nullable(u.ProviderMessageID), nullableTime(u.SentAt), nullable(u.Error), Timestamp(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMessage(ctx context.Context, tx *sql.Tx, id int64) (domain.Message, error) {
	var (
		m                         domain.Message
		tmpl                      sql.NullInt64
		variant, from, provider   sql.NullString
		scheduled, sent, errorMsg sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,lead_id,campaign_id,template_id,step,variant,to_email,from_email,subject_rendered,body_rendered,status,provider_message_id,scheduled_at,sent_at,error,created_at,updated_at
FROM email_messages WHERE id=?`, id).Scan(&m.ID, &m.LeadID, &m.CampaignID, &tmpl, &m.Step, &variant, &m.ToEmail, &from, &m.Subject, &m.Body,
		&m.Status, &provider, &scheduled, &sent, &errorMsg, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.TemplateID = tmpl.Int64
	m.Variant = variant.String
	m.FromEmail = from.String
	m.ProviderMessageID = provider.String
	m.ScheduledAt = timePtr(scheduled)
	m.SentAt = timePtr(sent)
	m.Error = errorMsg.String
	return m, nil
}

// CountMessages groups a campaign's messages by status.
func (r Repo) CountMessages(ctx context.Context, campaignID int64) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, COUNT(*) FROM email_messages WHERE campaign_id=? GROUP BY status`, campaignID)
}

func (r Repo) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}
