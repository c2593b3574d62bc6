package storage

import "strings"

// SanitizeName lowercases s and maps anything outside [a-z0-9_] to an
// underscore, yielding a safe SQL identifier fragment. Names that would
// start with a digit get a leading underscore.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// EventTableName returns the event log table for a source name.
func EventTableName(sourceName string) string {
	return "events_" + SanitizeName(sourceName)
}

// CollectionTableName returns the metric table for an unpartitioned
// aggregation source. Partitioned sources derive names via the partition
// package instead.
func CollectionTableName(targetCollection string) string {
	return SanitizeName(targetCollection)
}
