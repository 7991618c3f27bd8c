package repo

import (
	"context"
	"database/sql"
	"time"

	"leadline/internal/domain"
)

// InsertSuppression records a do-not-contact entry. Re-inserting the same
// email, or the same email/orgnr pair, is a no-op. It reports whether a row
// was written.
func (r Repo) InsertSuppression(ctx context.Context, tx *sql.Tx, email, orgnr, reason string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO do_not_contact(email,orgnr,reason,created_at)
SELECT ?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM do_not_contact WHERE email IS ? AND orgnr IS ?)
ON CONFLICT(email) DO NOTHING`,
		nullable(email), nullable(orgnr), reason, Timestamp(now), nullable(email), nullable(orgnr))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) EmailSuppressed(ctx context.Context, tx *sql.Tx, email string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM do_not_contact WHERE email=?`, email).Scan(&n)
	return n > 0, err
}

const suppressedOrgs = `
SELECT orgnr FROM do_not_contact WHERE orgnr IS NOT NULL
UNION
SELECT orgnr FROM leads WHERE status = 'do_not_contact'
UNION
SELECT l.orgnr FROM events e JOIN leads l ON l.id = e.lead_id WHERE e.type IN ('bounce','unsubscribe','complaint')`

// SuppressedOrgnrs returns every organisation excluded from outreach.
func (r Repo) SuppressedOrgnrs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.DB.QueryContext(ctx, suppressedOrgs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out[o] = struct{}{}
	}
	return out, rows.Err()
}

func (r Repo) OrgSuppressed(ctx context.Context, orgnr string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+suppressedOrgs+`) WHERE orgnr=?`, orgnr).Scan(&n)
	return n > 0, err
}

func (r Repo) ListSuppressions(ctx context.Context, limit int) ([]domain.Suppression, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(email,''),COALESCE(orgnr,''),reason,created_at FROM do_not_contact ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Suppression
	for rows.Next() {
		var s domain.Suppression
		if err := rows.Scan(&s.ID, &s.Email, &s.Orgnr, &s.Reason, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
