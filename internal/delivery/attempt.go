package delivery

import (
	"strconv"
	"strings"
)

// DefaultAttempt is used when no source carries a usable attempt number.
const DefaultAttempt = 1

// ResolveAttempt picks the delivery attempt, preferring the transport-level
// counter over the envelope field. Values below 1 are ignored.
func ResolveAttempt(transport, envelope *int) int {
	if transport != nil && *transport >= 1 {
		return *transport
	}
	if envelope != nil && *envelope >= 1 {
		return *envelope
	}
	return DefaultAttempt
}

// ParseAttempt reads a header or attribute value. It returns nil when the
// value is empty or not a positive integer.
func ParseAttempt(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return nil
	}
	return &n
}
