// Package recipients normalizes, validates and deduplicates campaign
// recipient lists before they are handed to the dispatcher.
package recipients

import (
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
)

// Status classifies a recipient entry after validation.
type Status string

const (
	StatusPending Status = "pending"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// Entry is a single recipient with optional display attributes.
type Entry struct {
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Status Status            `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// Result holds the outcome of cleaning a recipient list.
type Result struct {
	Valid      []Entry `json:"valid"`
	Invalid    []Entry `json:"invalid"`
	Duplicates int     `json:"duplicates"`
}

// TotalValid returns the number of valid entries.
func (r *Result) TotalValid() int { return len(r.Valid) }

// TotalInvalid returns the number of invalid entries.
func (r *Result) TotalInvalid() int { return len(r.Invalid) }

// splitPattern matches the delimiters accepted in free-form recipient input.
var splitPattern = regexp.MustCompile(`[,;\s]+`)

// SplitList splits free-form text (comma, semicolon or whitespace
// separated) into raw address strings.
func SplitList(text string) []string {
	parts := splitPattern.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromStrings converts raw address strings into entries.
func FromStrings(raw []string) []Entry {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, Entry{Email: r, Status: StatusPending})
	}
	return entries
}

// Clean validates and deduplicates entries. Duplicate detection is
// case-insensitive on the domain and case-sensitive on the local part;
// the first occurrence wins and its attributes are retained. Ordering
// follows first occurrence. Malformed entries are classified invalid
// and reported, never dropped.
func Clean(entries []Entry) Result {
	return merge(nil, entries)
}

// Merge cleans incoming entries against an already accepted set,
// dropping entries that duplicate existing recipients.
func Merge(existing []Entry, incoming []Entry) Result {
	return merge(existing, incoming)
}

func merge(existing, incoming []Entry) Result {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		seen[dedupeKey(e.Email)] = struct{}{}
	}

	var res Result
	for _, e := range incoming {
		email := strings.TrimSpace(e.Email)
		if reason := checkAddress(email); reason != "" {
			e.Email = email
			e.Status = StatusInvalid
			e.Reason = reason
			res.Invalid = append(res.Invalid, e)
			continue
		}

		canonical := canonicalize(email)
		key := dedupeKey(canonical)
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		e.Email = canonical
		e.Status = StatusValid
		e.Reason = ""
		res.Valid = append(res.Valid, e)
	}
	return res
}

// checkAddress performs the structural address check. It returns an
// empty string for a valid address, otherwise a short reason.
func checkAddress(email string) string {
	if email == "" {
		return "empty address"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "missing local part or domain"
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") {
		return "domain has no dot"
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "malformed domain"
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return "invalid format"
	}
	return ""
}

// canonicalize lowercases the domain part, leaving the local part as-is.
func canonicalize(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at+1] + strings.ToLower(email[at+1:])
}

// dedupeKey is the identity used for duplicate detection: the local
// part verbatim plus the lowercased domain.
func dedupeKey(email string) string {
	return canonicalize(email)
}
