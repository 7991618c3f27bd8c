// Package companiestest builds throwaway Company Fact stores for tests.
package companiestest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"leadline/internal/companies"
)

const fullSchema = `CREATE TABLE companies (
	orgnr TEXT PRIMARY KEY,
	name TEXT,
	city TEXT,
	sni_codes TEXT,
	website TEXT,
	website_status TEXT,
	email_status TEXT,
	emails TEXT,
	employee_class TEXT,
	founded_date TEXT,
	has_tech INTEGER,
	has_reviews INTEGER
)`

const minimalSchema = `CREATE TABLE companies (
	orgnr TEXT PRIMARY KEY,
	name TEXT,
	city TEXT,
	sni_codes TEXT,
	website_status TEXT,
	email_status TEXT,
	emails TEXT
)`

// New writes a companies.db.sqlite with every optional column into a temp
// dir, seeds rows and returns the file path.
func New(t testing.TB, rows ...companies.Company) string {
	return build(t, fullSchema, true, rows)
}

// NewMinimal is New without the optional columns.
func NewMinimal(t testing.TB, rows ...companies.Company) string {
	return build(t, minimalSchema, false, rows)
}

func build(t testing.TB, schema string, full bool, rows []companies.Company) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "companies.db.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
	for _, c := range rows {
		Insert(t, db, full, c)
	}
	return path
}

// Insert adds one company. Optional fields are written only when full is set.
func Insert(t testing.TB, db *sql.DB, full bool, c companies.Company) {
	t.Helper()
	cols := []string{"orgnr", "name", "city", "sni_codes", "website_status", "email_status", "emails"}
	args := []any{c.Orgnr, c.Name, c.City, c.SNICodes, c.WebsiteStatus, c.EmailStatus, c.Emails}
	if full {
		cols = append(cols, "website", "employee_class", "founded_date", "has_tech", "has_reviews")
		args = append(args, c.Website, c.EmployeeClass, c.FoundedDate, boolInt(c.HasTech), boolInt(c.HasReviews))
	}
	q := fmt.Sprintf("INSERT INTO companies(%s) VALUES (%s)", strings.Join(cols, ","), strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	_, err := db.Exec(q, args...)
	require.NoError(t, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Company returns a record that passes the default hard filters.
func Company(orgnr, city, sni, emails string) companies.Company {
	return companies.Company{
		Orgnr:         orgnr,
		Name:          "Bolag " + orgnr,
		City:          city,
		SNICodes:      sni,
		WebsiteStatus: "found",
		EmailStatus:   "found",
		Emails:        emails,
		Website:       "https://" + orgnr + ".example.se",
	}
}
