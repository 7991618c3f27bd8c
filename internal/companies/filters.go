package companies

import (
	"fmt"
	"strings"
	"time"
)

// Predicate is one filter over the company store. SQL renders the filter as a
// WHERE fragment with positional args; Match re-checks the same condition on a
// loaded record so partial matches can be graded.
type Predicate interface {
	Name() string
	SQL() (string, []any)
	Match(c Company) bool
	// Columns lists the company columns the predicate reads.
	Columns() []string
}

// WebsiteStatusFilter requires website_status to equal Status.
type WebsiteStatusFilter struct{ Status string }

func (f WebsiteStatusFilter) Name() string      { return "website_status" }
func (f WebsiteStatusFilter) Columns() []string { return []string{"website_status"} }
func (f WebsiteStatusFilter) SQL() (string, []any) {
	return "LOWER(TRIM(COALESCE(website_status,''))) = ?", []any{strings.ToLower(f.Status)}
}
func (f WebsiteStatusFilter) Match(c Company) bool {
	return strings.EqualFold(strings.TrimSpace(c.WebsiteStatus), f.Status)
}

// EmailStatusFilter requires email_status to equal Status.
type EmailStatusFilter struct{ Status string }

func (f EmailStatusFilter) Name() string      { return "email_status" }
func (f EmailStatusFilter) Columns() []string { return []string{"email_status"} }
func (f EmailStatusFilter) SQL() (string, []any) {
	return "LOWER(TRIM(COALESCE(email_status,''))) = ?", []any{strings.ToLower(f.Status)}
}
func (f EmailStatusFilter) Match(c Company) bool {
	return strings.EqualFold(strings.TrimSpace(c.EmailStatus), f.Status)
}

// sniListSQL rewrites sni_codes to a comma-separated list, splitting on the
// same separators as SplitSNI.
const sniListSQL = "REPLACE(REPLACE(COALESCE(sni_codes,''),' ',','),';',',')"

// ValidSNIFilter requires at least one non-zero SNI code.
type ValidSNIFilter struct{}

func (ValidSNIFilter) Name() string      { return "valid_sni" }
func (ValidSNIFilter) Columns() []string { return []string{"sni_codes"} }
func (ValidSNIFilter) SQL() (string, []any) {
	return "REPLACE(REPLACE(" + sniListSQL + ",'0',''),',','') <> ''", nil
}
func (ValidSNIFilter) Match(c Company) bool { return HasValidSNI(c.SNICodes) }

// CityFilter matches any of Cities, case-insensitively.
type CityFilter struct{ Cities []string }

func (f CityFilter) Name() string      { return "city" }
func (f CityFilter) Columns() []string { return []string{"city"} }
func (f CityFilter) SQL() (string, []any) {
	args := make([]any, 0, len(f.Cities))
	for _, c := range f.Cities {
		args = append(args, foldCity(c))
	}
	return fmt.Sprintf("LOWER(TRIM(COALESCE(city,''))) IN (%s)", placeholders(len(args))), args
}
func (f CityFilter) Match(c Company) bool {
	city := foldCity(c.City)
	for _, want := range f.Cities {
		if foldCity(want) == city {
			return true
		}
	}
	return false
}

// foldCity lower-cases the same way SQLite's LOWER does (ASCII only) so that
// SQL and Match agree; Swedish letters are compared as stored.
func foldCity(s string) string {
	s = strings.TrimSpace(s)
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

// SNIFilter matches when any company code matches any filter code, either
// by prefix or exactly.
type SNIFilter struct {
	Codes []string
	Exact bool
}

func (f SNIFilter) Name() string      { return "sni" }
func (f SNIFilter) Columns() []string { return []string{"sni_codes"} }
func (f SNIFilter) SQL() (string, []any) {
	list := "(',' || " + sniListSQL + " || ',')"
	clauses := make([]string, 0, len(f.Codes))
	args := make([]any, 0, len(f.Codes))
	for _, code := range f.Codes {
		code = strings.TrimSpace(code)
		if f.Exact {
			clauses = append(clauses, list+" LIKE ?")
			args = append(args, "%,"+code+",%")
		} else {
			clauses = append(clauses, list+" LIKE ?")
			args = append(args, "%,"+code+"%")
		}
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}
func (f SNIFilter) Match(c Company) bool {
	for _, have := range SplitSNI(c.SNICodes) {
		for _, want := range f.Codes {
			want = strings.TrimSpace(want)
			if f.Exact && have == want {
				return true
			}
			if !f.Exact && strings.HasPrefix(have, want) {
				return true
			}
		}
	}
	return false
}

// EmployeeFilter matches membership of the employee size class in Buckets.
type EmployeeFilter struct{ Buckets []string }

func (f EmployeeFilter) Name() string      { return "employees" }
func (f EmployeeFilter) Columns() []string { return []string{"employee_class"} }
func (f EmployeeFilter) SQL() (string, []any) {
	args := make([]any, 0, len(f.Buckets))
	for _, b := range f.Buckets {
		args = append(args, normalizeBucket(b))
	}
	return fmt.Sprintf("REPLACE(TRIM(COALESCE(employee_class,'')),' ','') IN (%s)", placeholders(len(args))), args
}
func (f EmployeeFilter) Match(c Company) bool {
	have := normalizeBucket(c.EmployeeClass)
	for _, b := range f.Buckets {
		if normalizeBucket(b) == have {
			return true
		}
	}
	return false
}

func normalizeBucket(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), " ", "")
}

// FoundedFilter bounds founded_date (inclusive). Either bound may be zero.
type FoundedFilter struct {
	Min time.Time
	Max time.Time
}

const dateLayout = "2006-01-02"

func (f FoundedFilter) Name() string      { return "founded" }
func (f FoundedFilter) Columns() []string { return []string{"founded_date"} }
func (f FoundedFilter) SQL() (string, []any) {
	var clauses []string
	var args []any
	clauses = append(clauses, "COALESCE(founded_date,'') <> ''")
	if !f.Min.IsZero() {
		clauses = append(clauses, "substr(founded_date,1,10) >= ?")
		args = append(args, f.Min.Format(dateLayout))
	}
	if !f.Max.IsZero() {
		clauses = append(clauses, "substr(founded_date,1,10) <= ?")
		args = append(args, f.Max.Format(dateLayout))
	}
	return "(" + strings.Join(clauses, " AND ") + ")", args
}
func (f FoundedFilter) Match(c Company) bool {
	if len(c.FoundedDate) < len(dateLayout) {
		return false
	}
	d := c.FoundedDate[:len(dateLayout)]
	if !f.Min.IsZero() && d < f.Min.Format(dateLayout) {
		return false
	}
	if !f.Max.IsZero() && d > f.Max.Format(dateLayout) {
		return false
	}
	return true
}

// SignalFilter requires an auxiliary boolean signal column to be Want.
type SignalFilter struct {
	Signal Signal
	Want   bool
}

// Signal names an optional boolean column of the company store.
type Signal string

const (
	SignalTech    Signal = "has_tech"
	SignalReviews Signal = "has_reviews"
)

func (f SignalFilter) Name() string      { return string(f.Signal) }
func (f SignalFilter) Columns() []string { return []string{string(f.Signal)} }
func (f SignalFilter) SQL() (string, []any) {
	op := "IN"
	if !f.Want {
		op = "NOT IN"
	}
	return fmt.Sprintf("LOWER(TRIM(CAST(COALESCE(%s,'') AS TEXT))) %s ('1','true','yes','y')", f.Signal, op), nil
}
func (f SignalFilter) Match(c Company) bool {
	switch f.Signal {
	case SignalTech:
		return c.HasTech == f.Want
	case SignalReviews:
		return c.HasReviews == f.Want
	}
	return false
}

// SplitSNI splits a stored SNI list into trimmed codes.
func SplitSNI(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// HasValidSNI reports whether any code is something other than zeros.
func HasValidSNI(raw string) bool {
	for _, code := range SplitSNI(raw) {
		if strings.Trim(code, "0") != "" {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
