package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/sanitize"
)

// record is the on-disk shape of an event: one JSON object per line.
type record struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	TraceID       string         `json:"traceId"`
	Operation     Operation      `json:"operation"`
	Actor         Actor          `json:"actor"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Source        Source         `json:"source"`
	Before        any            `json:"before"`
	After         any            `json:"after"`
	Changes       []FieldChange  `json:"changes,omitempty"`
	AccessDetails *AccessDetails `json:"accessDetails,omitempty"`
}

func (e Event) record() record {
	return record{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		TraceID:       e.TraceID,
		Operation:     e.Operation(),
		Actor:         e.Actor,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Source:        e.Source,
		Before:        e.Before(),
		After:         e.After(),
		Changes:       e.Changes(),
		AccessDetails: e.Access(),
	}
}

// MarshalJSON encodes the event in its wire shape, without redaction.
func (e Event) MarshalJSON() ([]byte, error) {
	return encode(e.record())
}

// UnmarshalJSON decodes and validates a wire record. Numbers inside
// snapshots and changes stay json.Number so large integers survive.
func (e *Event) UnmarshalJSON(data []byte) error {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return errclass.ErrParse.Wrap(err, "decode audit record")
	}
	if rec.ID == "" {
		return errclass.ErrParse.WithMessage("record has no id")
	}
	if rec.Timestamp.IsZero() {
		return errclass.ErrParse.WithMessage("record has no timestamp")
	}
	decoded, err := NewEvent(Params{
		Meta: Meta{
			ID:         rec.ID,
			Timestamp:  rec.Timestamp,
			TraceID:    rec.TraceID,
			Actor:      rec.Actor,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Source:     rec.Source,
		},
		Operation: rec.Operation,
		Before:    rec.Before,
		After:     rec.After,
		Changes:   rec.Changes,
		Access:    rec.AccessDetails,
	})
	if err != nil {
		return errclass.ErrParse.Wrap(err, "invalid audit record")
	}
	*e = *decoded
	return nil
}

// MarshalLine serializes the event as a single JSON line without the
// trailing newline. With redact set, before/after snapshots and the values
// of sensitive changed fields are passed through the sanitizer.
func (e *Event) MarshalLine(redact bool) ([]byte, error) {
	rec := e.record()
	if redact {
		rec.Before = sanitize.Value(rec.Before)
		rec.After = sanitize.Value(rec.After)
		if len(rec.Changes) > 0 {
			changes := make([]FieldChange, len(rec.Changes))
			for i, c := range rec.Changes {
				if sanitize.IsSensitiveKey(c.Field) {
					c.OldValue = redactedUnlessNull(c.OldValue)
					c.NewValue = redactedUnlessNull(c.NewValue)
				} else {
					c.OldValue = sanitize.Value(c.OldValue)
					c.NewValue = sanitize.Value(c.NewValue)
				}
				changes[i] = c
			}
			rec.Changes = changes
		}
	}
	line, err := encode(rec)
	if err != nil {
		return nil, errclass.ErrInvalidEvent.Wrap(err, "serialize event")
	}
	return line, nil
}

// ParseLine decodes one stored line. Failures are ErrParse.
func ParseLine(line []byte) (*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errclass.ErrParse.WithMessage("empty line")
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		if errclass.Code(err) == errclass.ErrParse.Code {
			return nil, err
		}
		return nil, errclass.ErrParse.Wrap(err, "decode audit record")
	}
	return &e, nil
}

func redactedUnlessNull(v any) any {
	if isNull(v) {
		return nil
	}
	return sanitize.Redacted
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
