package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"leadline/internal/domain"
)

const leadColumns = `id,orgnr,COALESCE(company_name,''),COALESCE(city,''),COALESCE(sni_codes,''),COALESCE(website,''),lead_type,status,created_at,updated_at`

func scanLead(row interface{ Scan(...any) error }) (domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(&l.ID, &l.Orgnr, &l.CompanyName, &l.City, &l.SNICodes, &l.Website, &l.LeadType, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

// UpsertLead inserts the lead or refreshes its company snapshot. Status is
// never touched by an upsert.
func (r Repo) UpsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead, now time.Time) (int64, error) {
	ts := Timestamp(now)
	status := l.Status
	if status == "" {
		status = domain.LeadNew
	}
	var id int64
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO leads(orgnr,company_name,city,sni_codes,website,lead_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(orgnr) DO UPDATE SET company_name=excluded.company_name, city=excluded.city, sni_codes=excluded.sni_codes,
	website=excluded.website, lead_type=excluded.lead_type, updated_at=excluded.updated_at
RETURNING id`,
		l.Orgnr, nullable(l.CompanyName), nullable(l.City), nullable(l.SNICodes), nullable(l.Website), string(l.LeadType), string(status), ts, ts).Scan(&id)
	return id, err
}

// ReplaceLeadEmails stores the ordered address list of a lead.
func (r Repo) ReplaceLeadEmails(ctx context.Context, tx *sql.Tx, leadID int64, emails []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM lead_emails WHERE lead_id=?`, leadID); err != nil {
		return err
	}
	for i, e := range emails {
		if _, err := q.ExecContext(ctx, `INSERT INTO lead_emails(lead_id,position,email) VALUES (?,?,?)`, leadID, i, e); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) LeadEmails(ctx context.Context, tx *sql.Tx, leadID int64) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT email FROM lead_emails WHERE lead_id=? ORDER BY position`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetLead loads a lead with its email list.
func (r Repo) GetLead(ctx context.Context, tx *sql.Tx, id int64) (domain.Lead, error) {
	l, err := scanLead(r.q(tx).QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
	if err != nil {
		return l, err
	}
	l.Emails, err = r.LeadEmails(ctx, tx, id)
	return l, err
}

func (r Repo) GetLeadByOrgnr(ctx context.Context, orgnr string) (domain.Lead, error) {
	l, err := scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE orgnr=?`, orgnr))
	if err != nil {
		return l, err
	}
	l.Emails, err = r.LeadEmails(ctx, nil, l.ID)
	return l, err
}

// AdvanceLeadStatus moves the lead along the status lattice and returns the
// resulting status.
func (r Repo) AdvanceLeadStatus(ctx context.Context, tx *sql.Tx, leadID int64, next domain.LeadStatus, now time.Time) (domain.LeadStatus, error) {
	q := r.q(tx)
	var cur domain.LeadStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM leads WHERE id=?`, leadID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	want := cur.Advance(next)
	if want == cur {
		return cur, nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE leads SET status=?, updated_at=? WHERE id=?`, string(want), Timestamp(now), leadID); err != nil {
		return "", err
	}
	return want, nil
}
