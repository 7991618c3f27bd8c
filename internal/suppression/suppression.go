// Package suppression answers whether an organisation or address may still
// be contacted. Facts are derived from the do_not_contact table, lead status
// and suppressing events; there is no way to lift a suppression.
package suppression

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"leadline/internal/repo"
)

type Policy struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Policy) IsOrgSuppressed(ctx context.Context, orgnr string) (bool, error) {
	return p.Repo.OrgSuppressed(ctx, strings.TrimSpace(orgnr))
}

// SuppressedOrgnrs is the bulk form used by targeting runs.
func (p Policy) SuppressedOrgnrs(ctx context.Context) (map[string]struct{}, error) {
	return p.Repo.SuppressedOrgnrs(ctx)
}

func (p Policy) IsEmailSuppressed(ctx context.Context, tx *sql.Tx, email string) (bool, error) {
	return p.Repo.EmailSuppressed(ctx, tx, strings.ToLower(strings.TrimSpace(email)))
}

// FirstAllowed returns the first address not on the do-not-contact list.
func (p Policy) FirstAllowed(ctx context.Context, tx *sql.Tx, emails []string) (string, bool, error) {
	for _, e := range emails {
		blocked, err := p.IsEmailSuppressed(ctx, tx, e)
		if err != nil {
			return "", false, err
		}
		if !blocked {
			return e, true, nil
		}
	}
	return "", false, nil
}

// Suppress records email and/or orgnr as do-not-contact. Repeating a call is
// harmless.
func (p Policy) Suppress(ctx context.Context, tx *sql.Tx, email, orgnr, reason string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	orgnr = strings.TrimSpace(orgnr)
	if email == "" && orgnr == "" {
		return nil
	}
	_, err := p.Repo.InsertSuppression(ctx, tx, email, orgnr, reason, p.now())
	return err
}
