// Package scope defines the canonical capability-string format shared by the
// auth service, the app registry and the bridge caches.
//
// A scope is a colon-separated capability code such as "users:read". Scope
// lists are always deduplicated and sorted ascending so that identical scope
// sets compare byte-identical and can serve as cache keys.
package scope

import (
	"sort"
	"strings"
)

// Separator is the canonical scope separator. Legacy data occasionally uses
// "." instead; Normalize rewrites it once at ingestion so no comparison path
// needs to normalize at runtime.
const Separator = ":"

// Normalize canonicalizes a single scope string.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, ".", Separator)
}

// Canon normalizes, deduplicates and sorts a scope list. Empty entries are
// dropped. The input slice is not modified.
func Canon(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = Normalize(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Intersect returns the canonical intersection of two scope lists.
func Intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range Canon(b) {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range Canon(a) {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Contains reports whether the canonical form of list contains s.
func Contains(list []string, s string) bool {
	s = Normalize(s)
	for _, v := range list {
		if Normalize(v) == s {
			return true
		}
	}
	return false
}

// Key derives a deterministic cache key from a scope list. Identical sets
// yield identical keys regardless of input order.
func Key(scopes []string) string {
	canon := Canon(scopes)
	if len(canon) == 0 {
		return "__none__"
	}
	return strings.Join(canon, "|")
}
