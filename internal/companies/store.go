// Package companies reads the Company Fact store produced by the enrichment
// subsystem. The store is opened read-only; this package never writes to it.
package companies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Company is one row of the fact store. Optional columns absent from the
// store read as their zero values.
type Company struct {
	Orgnr         string `json:"orgnr"`
	Name          string `json:"name"`
	City          string `json:"city"`
	SNICodes      string `json:"sni_codes"`
	EmployeeClass string `json:"employee_class,omitempty"`
	FoundedDate   string `json:"founded_date,omitempty"`
	Website       string `json:"website,omitempty"`
	WebsiteStatus string `json:"website_status"`
	EmailStatus   string `json:"email_status"`
	Emails        string `json:"emails"`
	HasTech       bool   `json:"has_tech"`
	HasReviews    bool   `json:"has_reviews"`
}

var ErrSchema = errors.New("companies schema")

var (
	requiredColumns = []string{"orgnr", "name", "city", "sni_codes", "website_status", "email_status", "emails"}
	optionalColumns = []string{"website", "employee_class", "founded_date", "has_tech", "has_reviews"}
)

// Schema is the set of columns present in the companies table.
type Schema struct {
	cols map[string]bool
}

func (s Schema) Has(col string) bool { return s.cols[col] }

// Supports reports whether every column p reads exists.
func (s Schema) Supports(p Predicate) bool {
	for _, c := range p.Columns() {
		if !s.cols[c] {
			return false
		}
	}
	return true
}

// Missing lists optional columns absent from the store.
func (s Schema) Missing() []string {
	var out []string
	for _, c := range optionalColumns {
		if !s.cols[c] {
			out = append(out, c)
		}
	}
	return out
}

type Store struct {
	DB *sql.DB
}

// Schema inspects the companies table. A missing required column is an error.
func (s Store) Schema(ctx context.Context) (Schema, error) {
	rows, err := s.DB.QueryContext(ctx, `PRAGMA table_info(companies)`)
	if err != nil {
		return Schema{}, fmt.Errorf("inspect companies: %w", err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return Schema{}, err
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return Schema{}, err
	}
	if len(cols) == 0 {
		return Schema{}, fmt.Errorf("%w: table companies not found", ErrSchema)
	}
	var missing []string
	for _, c := range requiredColumns {
		if !cols[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Schema{}, fmt.Errorf("%w: missing required columns %s", ErrSchema, strings.Join(missing, ","))
	}
	return Schema{cols: cols}, nil
}

// Plan is a conjunction of predicates rendered into one WHERE clause.
type Plan struct {
	Predicates []Predicate
}

// Where renders the plan. An empty plan matches everything.
func (p Plan) Where() (string, []any) {
	if len(p.Predicates) == 0 {
		return "1=1", nil
	}
	clauses := make([]string, 0, len(p.Predicates))
	var args []any
	for _, pred := range p.Predicates {
		frag, a := pred.SQL()
		clauses = append(clauses, "("+frag+")")
		args = append(args, a...)
	}
	return strings.Join(clauses, " AND "), args
}

// Query returns the companies matching plan, ordered by orgnr.
func (s Store) Query(ctx context.Context, schema Schema, plan Plan) ([]Company, error) {
	for _, pred := range plan.Predicates {
		if !schema.Supports(pred) {
			return nil, fmt.Errorf("%w: filter %s needs columns %s", ErrSchema, pred.Name(), strings.Join(pred.Columns(), ","))
		}
	}
	where, args := plan.Where()
	query := `SELECT orgnr, COALESCE(name,''), COALESCE(city,''), COALESCE(sni_codes,''),
	COALESCE(website_status,''), COALESCE(email_status,''), COALESCE(CAST(emails AS TEXT),''),
	` + optional(schema, "website") + `, ` + optional(schema, "employee_class") + `, ` + optional(schema, "founded_date") + `,
	` + optional(schema, "has_tech") + `, ` + optional(schema, "has_reviews") + `
FROM companies WHERE ` + where + ` ORDER BY orgnr`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()
	var res []Company
	for rows.Next() {
		var (
			c            Company
			tech, review string
		)
		if err := rows.Scan(&c.Orgnr, &c.Name, &c.City, &c.SNICodes, &c.WebsiteStatus, &c.EmailStatus, &c.Emails,
			&c.Website, &c.EmployeeClass, &c.FoundedDate, &tech, &review); err != nil {
			return nil, err
		}
		c.Orgnr = strings.TrimSpace(c.Orgnr)
		if c.Orgnr == "" {
			continue
		}
		c.HasTech = truthy(tech)
		c.HasReviews = truthy(review)
		res = append(res, c)
	}
	return res, rows.Err()
}

func optional(schema Schema, col string) string {
	if !schema.Has(col) {
		return "''"
	}
	return "COALESCE(CAST(" + col + " AS TEXT),'')"
}

// truthy mirrors the literal set SignalFilter uses in SQL.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
