// Package uuidutil generates identifiers for audit events and traces.
package uuidutil

import "github.com/google/uuid"

// NewEventID returns a time-ordered UUIDv7 string, so ids sort roughly by
// creation time within a file.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewTraceID returns a random UUIDv4 string.
func NewTraceID() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
