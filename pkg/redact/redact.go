// Package redact scrubs sensitive content from speech text before it reaches
// any sink or artifact.
package redact

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Level defines how aggressively text is scrubbed.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelStrict   Level = "strict"   // adds network, money and case identifiers
	LevelParanoid Level = "paranoid" // adds dates, names and any long number
)

func (l Level) rank() int {
	switch l {
	case LevelStrict:
		return 1
	case LevelParanoid:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether l is as strict as o.
func (l Level) AtLeast(o Level) bool {
	return l.rank() >= o.rank()
}

// Stricter returns the stricter of two levels.
func Stricter(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	if a.rank() == 0 {
		return LevelNormal
	}
	return a
}

// ParseLevel maps a string to a Level, defaulting to normal.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelStrict:
		return LevelStrict
	case LevelParanoid:
		return LevelParanoid
	default:
		return LevelNormal
	}
}

// Hit records how often a rule fired. It never carries the matched content.
type Hit struct {
	Rule  string `json:"rule"`
	Count int    `json:"count"`
}

// Result is the outcome of a redaction pass.
type Result struct {
	Text     string `json:"-"`
	Hits     []Hit  `json:"hits,omitempty"`
	Bypassed bool   `json:"bypassed,omitempty"`
}

// Total returns the number of replacements made.
func (r Result) Total() int {
	n := 0
	for _, h := range r.Hits {
		n += h.Count
	}
	return n
}

// Rules returns the identifiers of every rule that fired.
func (r Result) Rules() []string {
	ids := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		ids = append(ids, h.Rule)
	}
	return ids
}

type rule struct {
	id          string
	level       Level
	re          *regexp.Regexp
	replacement string
}

// Rules are grouped by level and applied in slice order. Every normal rule
// runs before any strict rule, so a stricter pass never sees fewer matches
// for the rules it shares with a weaker one.
var defaultRules = []rule{
	{"bearer_token", LevelNormal, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`), "bearer [redacted token]"},
	{"api_key", LevelNormal, regexp.MustCompile(`\b(?:sk|pk|rk|ghp|gho|xoxb|xoxp|AKIA)[-_A-Za-z0-9]{12,}\b`), "[redacted token]"},
	{"email", LevelNormal, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[redacted email]"},
	{"ssn", LevelNormal, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[redacted ssn]"},
	{"card_number", LevelNormal, regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{1,4}\b`), "[redacted card]"},
	{"phone", LevelNormal, regexp.MustCompile(`(?:\+\d{1,2}[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`), "[redacted phone]"},

	{"url", LevelStrict, regexp.MustCompile(`\bhttps?://[^\s]+`), "[redacted link]"},
	{"ipv4", LevelStrict, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[redacted address]"},
	{"case_number", LevelStrict, regexp.MustCompile(`(?i)\b(?:case|docket|matter)\s+(?:no\.?\s*|number\s*|#\s*)?[:#]?\s*\d[\w:/.-]{3,}`), "[redacted case]"},
	{"federal_case", LevelStrict, regexp.MustCompile(`(?i)\b\d:\d{2}-[a-z]{2,3}-\d{3,6}\b`), "[redacted case]"},
	{"money", LevelStrict, regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{2})?`), "[redacted amount]"},
	{"street_address", LevelStrict, regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b\.?`), "[redacted street]"},

	{"account_number", LevelParanoid, regexp.MustCompile(`(?i)\b(?:account|acct|iban|routing)\s*(?:no\.?|number|#)?\s*[:#]?\s*[a-z0-9-]*\d[a-z0-9-]{3,}`), "[redacted account]"},
	{"date_numeric", LevelParanoid, regexp.MustCompile(`\b\d{1,4}[/-]\d{1,2}[/-]\d{1,4}\b`), "[redacted date]"},
	{"date_written", LevelParanoid, regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:,\s*\d{4})?\b`), "[redacted date]"},
	{"long_number", LevelParanoid, regexp.MustCompile(`\b\d{5,}\b`), "[redacted number]"},
	{"person_name", LevelParanoid, regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z]\.)?\s+[A-Z][a-z]+\b`), "[redacted name]"},
}

// Engine applies the ordered rule set.
type Engine struct {
	rules []rule
}

// New returns an Engine loaded with the default rule set.
func New() *Engine {
	return &Engine{rules: defaultRules}
}

var std = New()

// Redact scrubs text with the default Engine.
func Redact(text string, allow []string, category string, level Level) Result {
	return std.Redact(text, allow, category, level)
}

// Redact scrubs text at the requested level. A category present in allow is
// returned untouched with no hits.
func (e *Engine) Redact(text string, allow []string, category string, level Level) Result {
	if categoryAllowed(allow, category) {
		return Result{Text: text, Bypassed: true}
	}

	out := norm.NFKC.String(text)
	var hits []Hit
	for _, r := range e.rules {
		if !level.AtLeast(r.level) {
			continue
		}
		n := 0
		out = r.re.ReplaceAllStringFunc(out, func(string) string {
			n++
			return r.replacement
		})
		if n > 0 {
			hits = appendHit(hits, r.id, n)
		}
	}
	return Result{Text: out, Hits: hits}
}

// RuleIDs lists the rules active at level, in application order.
func (e *Engine) RuleIDs(level Level) []string {
	var ids []string
	for _, r := range e.rules {
		if level.AtLeast(r.level) {
			ids = append(ids, r.id)
		}
	}
	return ids
}

func appendHit(hits []Hit, id string, n int) []Hit {
	for i := range hits {
		if hits[i].Rule == id {
			hits[i].Count += n
			return hits
		}
	}
	return append(hits, Hit{Rule: id, Count: n})
}

func categoryAllowed(allow []string, category string) bool {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return false
	}
	for _, a := range allow {
		if strings.ToLower(strings.TrimSpace(a)) == c {
			return true
		}
	}
	return false
}
