// Package trace generates and validates the correlation identifiers that
// tie an audit entry to the interaction that produced it.
//
// Format: "<uuid-v4>:<ISO8601-UTC-timestamp>", e.g.
// "550e8400-e29b-41d4-a716-446655440000:2026-08-29T10:15:00Z".
package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05Z"

// New returns a fresh trace identifier using a v4 UUID and the current
// UTC time, second precision.
func New() string {
	return uuid.NewString() + ":" + time.Now().UTC().Format(timeLayout)
}

// Valid reports whether id has the expected shape: a 36-character UUID
// followed by a colon and an ISO8601 UTC timestamp ending in Z. The
// timestamp itself contains colons, so only the first separator counts.
func Valid(id string) bool {
	uuidPart, tsPart, ok := strings.Cut(id, ":")
	if !ok {
		return false
	}
	if len(uuidPart) != 36 {
		return false
	}
	if _, err := uuid.Parse(uuidPart); err != nil {
		return false
	}
	return strings.Contains(tsPart, "T") && strings.HasSuffix(tsPart, "Z")
}
