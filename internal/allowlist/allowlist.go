// Package allowlist matches "domain.service" identifiers against wildcard
// patterns. Patterns only ever grant access; there is no deny form.
package allowlist

import (
	"regexp"
	"strings"
)

// Wildcard matches any segment, or any identifier when it is the whole pattern.
const Wildcard = "*"

var segmentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Match reports whether candidate ("domain.service") matches pattern.
//
// A whole-pattern "*" matches every candidate, including one without a dot.
// Otherwise both strings are split on the first dot and compared segment by
// segment: "*" matches any non-empty segment, anything else must be equal.
// Partial wildcards such as "turn_*" are literals.
func Match(pattern, candidate string) bool {
	if pattern == Wildcard {
		return true
	}
	pd, ps, ok := strings.Cut(pattern, ".")
	if !ok {
		return pattern == candidate
	}
	cd, cs, ok := strings.Cut(candidate, ".")
	if !ok {
		return false
	}
	return matchSegment(pd, cd) && matchSegment(ps, cs)
}

func matchSegment(pattern, segment string) bool {
	if pattern == Wildcard {
		return segment != ""
	}
	return pattern == segment
}

// MatchAny reports whether any pattern matches candidate. Stops at the first hit.
func MatchAny(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if Match(p, candidate) {
			return true
		}
	}
	return false
}

// Valid reports whether pattern is "*", "domain.*" or "domain.service"
// with lowercase identifier segments.
func Valid(pattern string) bool {
	if pattern == Wildcard {
		return true
	}
	domain, service, ok := strings.Cut(pattern, ".")
	if !ok || strings.Contains(service, ".") {
		return false
	}
	if !segmentRe.MatchString(domain) {
		return false
	}
	return service == Wildcard || segmentRe.MatchString(service)
}

// Parse splits a comma-separated pattern list. Blank entries are skipped.
// Entries that fail Valid are returned in rejected and left out of patterns.
func Parse(csv string) (patterns, rejected []string) {
	for _, raw := range strings.Split(csv, ",") {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !Valid(p) {
			rejected = append(rejected, p)
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns, rejected
}

// AllowsAll reports whether patterns contain the global wildcard.
func AllowsAll(patterns []string) bool {
	for _, p := range patterns {
		if p == Wildcard {
			return true
		}
	}
	return false
}
