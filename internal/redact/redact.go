// Package redact masks sensitive substrings before text is sent to the
// completion gateway.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Default patterns, matching what operators can override through the
// REDACT_*_PATTERN environment variables.
const (
	DefaultEmailPattern      = `\b[A-Za-z0-9.*%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`
	DefaultCreditCardPattern = `\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`
	DefaultPhonePattern      = `\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`
	DefaultSSNPattern        = `\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`
)

// Config selects the patterns applied by a Redactor. Empty fields fall back
// to the defaults, except UserDefined which is skipped when empty.
type Config struct {
	Enabled     bool
	Email       string
	CreditCard  string
	Phone       string
	SSN         string
	UserDefined string
}

// Rule is one ordered redaction step.
type Rule struct {
	Label       string
	Pattern     *regexp.Regexp
	Replacement string
}

// RedactionError reports a pattern that failed to compile.
type RedactionError struct {
	Label   string
	Pattern string
	Err     error
}

func (e *RedactionError) Error() string {
	return fmt.Sprintf("redact: invalid %s pattern %q: %v", e.Label, e.Pattern, e.Err)
}

func (e *RedactionError) Unwrap() error {
	return e.Err
}

// Redactor applies its rules in order. The zero value and a nil Redactor
// pass text through unchanged.
type Redactor struct {
	rules  []Rule
	masks  *regexp.Regexp
	active bool
}

// New compiles the configured rules.
func New(cfg Config) (*Redactor, error) {
	specs := []struct {
		label, pattern, fallback, mask string
	}{
		{"EMAIL", cfg.Email, DefaultEmailPattern, "[EMAIL]"},
		{"CREDIT CARD", cfg.CreditCard, DefaultCreditCardPattern, "[CREDIT CARD]"},
		{"PHONE", cfg.Phone, DefaultPhonePattern, "[PHONE]"},
		{"SSN", cfg.SSN, DefaultSSNPattern, "[SSN]"},
		{"USER_DEFINED", cfg.UserDefined, "", "[REDACTED]"},
	}

	r := &Redactor{active: cfg.Enabled}
	quoted := make([]string, 0, len(specs))
	for _, spec := range specs {
		pattern := spec.pattern
		if pattern == "" {
			pattern = spec.fallback
		}
		quoted = append(quoted, regexp.QuoteMeta(spec.mask))
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &RedactionError{Label: spec.label, Pattern: pattern, Err: err}
		}
		r.rules = append(r.rules, Rule{Label: spec.label, Pattern: re, Replacement: spec.mask})
	}
	r.masks = regexp.MustCompile(strings.Join(quoted, "|"))
	return r, nil
}

// Enabled reports whether Redact changes anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.active
}

// Rules returns the compiled rules in application order.
func (r *Redactor) Rules() []Rule {
	if r == nil {
		return nil
	}
	return append([]Rule(nil), r.rules...)
}

// Redact masks every rule match. Mask tokens already present in text are
// left alone and the rules run until nothing changes, so applying Redact
// twice gives the same result as once. Each pass that changes the text
// masks at least one more byte, which bounds the loop.
func (r *Redactor) Redact(text string) string {
	if !r.Enabled() || text == "" {
		return text
	}
	for {
		next := r.redactOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func (r *Redactor) redactOnce(text string) string {
	locs := r.masks.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return r.apply(text)
	}

	var sb strings.Builder
	sb.Grow(len(text))
	prev := 0
	for _, loc := range locs {
		sb.WriteString(r.apply(text[prev:loc[0]]))
		sb.WriteString(text[loc[0]:loc[1]])
		prev = loc[1]
	}
	sb.WriteString(r.apply(text[prev:]))
	return sb.String()
}

// apply runs each rule on a segment free of mask tokens. A rule's output is
// split again around the masks it produced so later rules never rewrite an
// earlier mask.
func (r *Redactor) apply(segment string) string {
	parts := []string{segment}
	masked := []bool{false}
	for _, rule := range r.rules {
		var nextParts []string
		var nextMasked []bool
		for i, part := range parts {
			if masked[i] {
				nextParts = append(nextParts, part)
				nextMasked = append(nextMasked, true)
				continue
			}
			prev := 0
			for _, loc := range rule.Pattern.FindAllStringIndex(part, -1) {
				if loc[0] == loc[1] {
					continue
				}
				if loc[0] > prev {
					nextParts = append(nextParts, part[prev:loc[0]])
					nextMasked = append(nextMasked, false)
				}
				nextParts = append(nextParts, rule.Replacement)
				nextMasked = append(nextMasked, true)
				prev = loc[1]
			}
			if prev < len(part) {
				nextParts = append(nextParts, part[prev:])
				nextMasked = append(nextMasked, false)
			}
		}
		parts, masked = nextParts, nextMasked
	}
	return strings.Join(parts, "")
}
