// Package location parses instance location strings of the form
// "wrld_<id>:<instance>~group(grp_<id>)~groupAccessType(public)~region(us)".
package location

import (
	"regexp"
	"strings"
)

var (
	groupMarker  = regexp.MustCompile(`~group\((grp_[A-Za-z0-9-]+)\)`)
	accessMarker = regexp.MustCompile(`~groupAccessType\(([a-zA-Z]+)\)`)
	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// noise locations never refer to a joinable instance.
var noise = map[string]bool{
	"offline":             true,
	"private":             true,
	"traveling":           true,
	"traveling:traveling": true,
}

const maxSanitized = 80

// Location is a parsed instance location.
type Location struct {
	Raw        string
	WorldID    string
	InstanceID string
	GroupID    string
	AccessType string
}

// Parse splits a location string into its parts. Unknown or empty input
// yields a Location with only Raw set.
func Parse(raw string) Location {
	raw = strings.TrimSpace(raw)
	loc := Location{Raw: raw}
	if raw == "" || noise[raw] {
		return loc
	}
	if world, instance, ok := strings.Cut(raw, ":"); ok {
		loc.WorldID = world
		loc.InstanceID = instance
	} else {
		loc.WorldID = raw
	}
	loc.GroupID = GroupID(raw)
	if m := accessMarker.FindStringSubmatch(raw); m != nil {
		loc.AccessType = m[1]
	}
	return loc
}

// GroupID returns the group id embedded in a group instance location, or
// "" when the location carries no group marker.
func GroupID(raw string) string {
	m := groupMarker.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}

// Key is the canonical comparison key for a location.
func Key(raw string) string {
	return strings.TrimSpace(raw)
}

// IsNoise reports whether raw is one of the placeholder locations
// (offline, private, traveling).
func IsNoise(raw string) bool {
	return noise[strings.TrimSpace(raw)]
}

// Sanitize turns s into a fragment safe to embed in a file name.
func Sanitize(s string) string {
	out := unsafeChars.ReplaceAllString(s, "_")
	out = strings.Trim(out, "_")
	if len(out) > maxSanitized {
		out = out[:maxSanitized]
	}
	if out == "" {
		return "unknown"
	}
	return out
}
