// Package router implements the Path Router (C1): matching an inbound
// request path against a prioritised set of regex rules and producing an
// origin URL template plus extracted captures.
//
// The ruleset shape is grounded on the retrieval pack's EdgeComet-engine
// url_rules.go: an ordered list of rules, each carrying a match pattern and
// pre-compiled pattern metadata, evaluated highest-priority first. Here the
// "action" dimension is narrowed to the spec's single concern (rewrite vs.
// pass-through) rather than EdgeComet's render/bypass/block action set.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Auth describes how a matched pattern's origin must be signed before the
// core invokes the external origin signer. The core treats this as an
// opaque descriptor; only the signer package interprets it.
type Auth struct {
	Type   string
	Region string
	Bucket string
}

// TTLOverride carries a per-pattern TTL override for the KV adapter.
type TTLOverride struct {
	Seconds int
}

// OriginSource is one candidate origin for a pattern, tried in ascending
// Priority order by the Fallback Pipeline's §4.8(b) alternative-source
// retry (e.g. an R2 bucket at priority 1, a remote origin at priority 2).
type OriginSource struct {
	Name     string
	Template string
	Priority int
}

// Pattern is a single prioritised routing rule.
type Pattern struct {
	Name              string
	Matcher           string // raw regex source; "" is permitted (matches nothing usefully, never panics)
	ProcessPath       bool
	OriginURLTemplate string // "" signals pass-through, no rewrite
	CaptureGroupNames []string
	Priority          int
	Auth              *Auth
	TTL               *TTLOverride

	// OriginSources, when populated, supersedes OriginURLTemplate for the
	// §4.8(b) 404-alternative-source retry: sources are tried in ascending
	// Priority order, excluding any source already attempted.
	OriginSources []OriginSource

	compiled *regexp.Regexp // nil if Matcher fails to compile; skipped, never fatal
}

// SortedOriginSources returns OriginSources ordered ascending by Priority,
// breaking ties by declaration order.
func (p *Pattern) SortedOriginSources() []OriginSource {
	out := make([]OriginSource, len(p.OriginSources))
	copy(out, p.OriginSources)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Ruleset is an ordered, validated set of Patterns. NewRuleset total-orders the
// patterns by priority (descending), breaking ties by original declaration
// order, and compiles each rule's regex once.
type Ruleset struct {
	patterns []Pattern
}

// NewRuleset compiles and orders the given patterns. Per-rule compilation
// failures are not fatal: each is logged via slog, and the offending pattern
// is kept in place (for positional stability) but is skipped by every match
// operation.
func NewRuleset(patterns []Pattern) *Ruleset {
	ordered := make([]Pattern, len(patterns))
	copy(ordered, patterns)

	// stable sort: descending priority, ties preserve declaration order.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for i := range ordered {
		if ordered[i].Matcher == "" {
			continue
		}
		re, err := regexp.Compile(ordered[i].Matcher)
		if err != nil {
			slog.Warn("router: skipping pattern with invalid matcher",
				slog.String("pattern", ordered[i].Name), slog.String("error", err.Error()))
			continue // non-fatal per spec §4.1
		}
		ordered[i].compiled = re
	}

	return &Ruleset{patterns: ordered}
}

// Patterns returns the ordered, compiled pattern list (for diagnostics).
func (r *Ruleset) Patterns() []Pattern {
	return r.patterns
}

// FindMatchingPattern scans rules in descending priority and returns the
// first whose matcher compiles and matches. Returns nil if none match.
func (r *Ruleset) FindMatchingPattern(path string) *Pattern {
	for i := range r.patterns {
		p := &r.patterns[i]
		if p.compiled == nil {
			continue
		}
		if p.compiled.MatchString(path) {
			return p
		}
	}
	return nil
}

// MatchResult carries a matched pattern plus its captures.
type MatchResult struct {
	Pattern  *Pattern
	Numbered map[string]string // "1", "2", ... -> captured text
	Named    map[string]string // named captures, if the regex declares any
}

// MatchWithCaptures behaves like FindMatchingPattern but also returns
// numbered and named capture groups.
func (r *Ruleset) MatchWithCaptures(path string) *MatchResult {
	for i := range r.patterns {
		p := &r.patterns[i]
		if p.compiled == nil {
			continue
		}
		m := p.compiled.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		numbered := make(map[string]string, len(m)-1)
		for idx := 1; idx < len(m); idx++ {
			numbered[fmt.Sprintf("%d", idx)] = m[idx]
		}
		named := make(map[string]string)
		for idx, name := range p.compiled.SubexpNames() {
			if idx == 0 || name == "" {
				continue
			}
			named[name] = m[idx]
		}
		return &MatchResult{Pattern: p, Numbered: numbered, Named: named}
	}
	return nil
}

// NormalizePath collapses internal consecutive slashes (after any
// protocol/host segment has already been removed by the caller) and trims a
// trailing slash, except when the path is exactly "/". Applied before every
// match operation. Idempotent: NormalizePath(NormalizePath(p)) == NormalizePath(p).
func NormalizePath(p string) string {
	if p == "" {
		return p
	}

	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	out := b.String()

	if out != "/" && strings.HasSuffix(out, "/") {
		out = strings.TrimSuffix(out, "/")
	}
	if out == "" {
		out = "/"
	}
	return out
}

// ExtractVideoID pulls the video identifier out of a match: the "videoId"
// named capture takes precedence, then the first positional capture, else
// "", false.
func ExtractVideoID(m *MatchResult) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m.Named["videoId"]; ok && v != "" {
		return v, true
	}
	if v, ok := m.Numbered["1"]; ok && v != "" {
		return v, true
	}
	return "", false
}
