// Package emails turns the enrichment subsystem's free-form "emails" column
// into an ordered, de-duplicated list of addresses. It runs once, when a lead
// is admitted, so nothing downstream parses the raw column again.
package emails

import (
	"encoding/json"
	"net/mail"
	"strings"
)

// Parse accepts the three shapes found in the company store: a JSON array of
// strings, a comma/semicolon/whitespace separated list, or a single address.
// Invalid entries are dropped; order of first appearance is kept.
func Parse(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parts []string
	if strings.HasPrefix(raw, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			parts = arr
		} else {
			raw = strings.Trim(raw, "[]")
		}
	}
	if parts == nil {
		parts = strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' || r == '"' || r == '\''
		})
	}
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		addr, ok := Normalize(p)
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Normalize lower-cases and validates a single address.
func Normalize(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "mailto:")))
	if s == "" || strings.ContainsAny(s, " <>") {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || !strings.Contains(s[at+1:], ".") {
		return "", false
	}
	return s, true
}
