// Package redact scrubs credentials and internal addresses out of error
// text before it is persisted or served.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

const Placeholder = "[REDACTED]"

// IP modes.
const (
	IPsPrivate = "private"
	IPsAll     = "all"
	IPsNone    = "none"
)

type Options struct {
	IPs      string   // IPsPrivate, IPsAll or IPsNone; empty means IPsPrivate
	Patterns []string // extra regular expressions, replaced whole
}

type rule struct {
	name    string
	pattern *regexp.Regexp
	// keep is the number of leading submatch groups preserved. The group
	// after them is the secret; any groups past it are preserved too.
	keep int
}

var (
	keyValueRe    = regexp.MustCompile(`(?i)(\w*(?:password|passwd|secret|token|api[_-]?key))(\s*[=:]\s*)(\S+)`)
	urlUserinfoRe = regexp.MustCompile(`(\w+://[^:/@\s]+:)([^@\s]+)(@)`)
	bearerRe      = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	awsKeyRe      = regexp.MustCompile(`AKIA[A-Z0-9]{16}`)
	privateIPRe   = regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3})\b`)
	anyIPRe       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
)

// Redactor applies its rules in order. A nil *Redactor returns input
// unchanged.
type Redactor struct {
	rules []rule
}

// New compiles a Redactor. An invalid custom pattern is an error.
func New(opts Options) (*Redactor, error) {
	r := &Redactor{rules: []rule{
		{name: "key_value", pattern: keyValueRe, keep: 2},
		{name: "url_userinfo", pattern: urlUserinfoRe, keep: 1},
		{name: "bearer", pattern: bearerRe},
		{name: "aws_access_key", pattern: awsKeyRe},
	}}

	switch opts.IPs {
	case "", IPsPrivate:
		r.rules = append(r.rules, rule{name: "private_ip", pattern: privateIPRe})
	case IPsAll:
		r.rules = append(r.rules, rule{name: "ip", pattern: anyIPRe})
	case IPsNone:
	default:
		return nil, fmt.Errorf("redact: unknown ip mode %q", opts.IPs)
	}

	for i, p := range opts.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact: pattern %d: %w", i, err)
		}
		r.rules = append(r.rules, rule{name: fmt.Sprintf("custom_%d", i), pattern: re})
	}
	return r, nil
}

// Redact returns s with every secret replaced by Placeholder.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rl := range r.rules {
		if rl.keep == 0 {
			s = rl.pattern.ReplaceAllString(s, Placeholder)
			continue
		}
		s = rl.pattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := rl.pattern.FindStringSubmatch(match)
			var b strings.Builder
			for i := 1; i < len(sub); i++ {
				if i == rl.keep+1 {
					b.WriteString(Placeholder)
					continue
				}
				b.WriteString(sub[i])
			}
			return b.String()
		})
	}
	return s
}

// Rules returns the rule names in application order.
func (r *Redactor) Rules() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.rules))
	for i, rl := range r.rules {
		names[i] = rl.name
	}
	return names
}
