package model

import "time"

// DateRange is an inclusive time window. A zero bound leaves that side open.
type DateRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Filter selects events. Every non-zero field must match; zero fields are
// ignored. Limit and Offset drive pagination in the query engine and are not
// consulted by Matches.
type Filter struct {
	Operation  Operation  `json:"operation,omitempty"`
	EntityType string     `json:"entityType,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
	ActorType  ActorType  `json:"actorType,omitempty"`
	ActorID    string     `json:"actorId,omitempty"`
	Source     Source     `json:"source,omitempty"`
	TraceID    string     `json:"traceId,omitempty"`
	DateRange  *DateRange `json:"dateRange,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// Matches reports whether e satisfies every present filter field.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if f.Operation != "" && e.Operation() != f.Operation {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorType != "" && e.Actor.Type != f.ActorType {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.DateRange != nil && !f.DateRange.Contains(e.Timestamp) {
		return false
	}
	return true
}
