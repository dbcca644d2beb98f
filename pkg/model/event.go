package model

import (
	"reflect"
	"time"

	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/uuidutil"
)

// Operation identifies the kind of audited operation.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Operations lists every operation in a stable order.
var Operations = []Operation{OperationCreate, OperationRead, OperationUpdate, OperationDelete}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ActorType identifies who performed an operation.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAI     ActorType = "ai"
	ActorSystem ActorType = "system"
)

// Valid reports whether t is a known actor type.
func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorAI, ActorSystem:
		return true
	}
	return false
}

// Source identifies the surface that issued an operation.
type Source string

const (
	SourceCLI       Source = "cli"
	SourceMCP       Source = "mcp"
	SourceAPI       Source = "api"
	SourceScheduler Source = "scheduler"
	SourceTest      Source = "test"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceCLI, SourceMCP, SourceAPI, SourceScheduler, SourceTest:
		return true
	}
	return false
}

// ChangeType classifies a single field change of an update.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeAdded, ChangeRemoved, ChangeModified:
		return true
	}
	return false
}

// Actor is the principal behind an operation. An AI actor must name the
// human who authorized the action in CoAuthor.
type Actor struct {
	Type     ActorType `json:"type"`
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	CoAuthor string    `json:"coAuthor,omitempty"`
}

// Validate checks the actor contract.
func (a Actor) Validate() error {
	if !a.Type.Valid() {
		return errclass.ErrInvalidEvent.WithMessagef("unknown actor type %q", a.Type)
	}
	if a.ID == "" {
		return errclass.ErrInvalidEvent.WithMessage("actor id is required")
	}
	if a.Type == ActorAI && a.CoAuthor == "" {
		return errclass.ErrInvalidEvent.WithMessage("ai actor requires a coAuthor")
	}
	return nil
}

// FieldChange describes one field touched by an update.
type FieldChange struct {
	Field      string     `json:"field"`
	OldValue   any        `json:"oldValue"`
	NewValue   any        `json:"newValue"`
	ChangeType ChangeType `json:"changeType"`
}

// AccessDetails describes what a read touched.
type AccessDetails struct {
	Fields        []string `json:"fields,omitempty"`
	SensitiveData bool     `json:"sensitiveData"`
}

// Meta is the operation-independent part of an event. Zero ID, Timestamp and
// TraceID are filled in when the event is constructed.
type Meta struct {
	ID         string
	Timestamp  time.Time
	TraceID    string
	Actor      Actor
	EntityType string
	EntityID   string
	Source     Source
}

// Change is the operation-specific part of an event: one of Create, Read,
// Update or Delete.
type Change interface {
	Operation() Operation
	validate() error
}

// Create records a new entity. There is no prior state.
type Create struct {
	After any
}

// Read records an access. Snapshot is what was returned, if anything.
type Read struct {
	Snapshot any
	Access   *AccessDetails
}

// Update records a modification.
type Update struct {
	Before  any
	After   any
	Changes []FieldChange
}

// Delete records a removal. There is no later state.
type Delete struct {
	Before any
}

func (Create) Operation() Operation { return OperationCreate }
func (Read) Operation() Operation   { return OperationRead }
func (Update) Operation() Operation { return OperationUpdate }
func (Delete) Operation() Operation { return OperationDelete }

func (Create) validate() error { return nil }
func (Read) validate() error   { return nil }
func (Delete) validate() error { return nil }

func (u Update) validate() error {
	for i, c := range u.Changes {
		if c.Field == "" {
			return errclass.ErrInvalidEvent.WithMessagef("change %d has no field", i)
		}
		if !c.ChangeType.Valid() {
			return errclass.ErrInvalidEvent.WithMessagef("change %d has unknown changeType %q", i, c.ChangeType)
		}
	}
	return nil
}

// Event is one immutable audit record.
type Event struct {
	Meta
	Change Change
}

// New validates meta and change and returns the event, filling in a missing
// id, timestamp and trace id.
func New(meta Meta, change Change) (*Event, error) {
	if change == nil {
		return nil, errclass.ErrInvalidEvent.WithMessage("missing operation payload")
	}
	if meta.ID == "" {
		meta.ID = uuidutil.NewEventID()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	meta.Timestamp = meta.Timestamp.UTC()
	if meta.TraceID == "" {
		meta.TraceID = uuidutil.NewTraceID()
	}

	e := &Event{Meta: meta, Change: change}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the full event contract.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errclass.ErrInvalidEvent.WithMessage("id is required")
	}
	if e.Timestamp.IsZero() {
		return errclass.ErrInvalidEvent.WithMessage("timestamp is required")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return errclass.ErrInvalidEvent.WithMessage("entityType and entityId are required")
	}
	if !e.Source.Valid() {
		return errclass.ErrInvalidEvent.WithMessagef("unknown source %q", e.Source)
	}
	if err := e.Actor.Validate(); err != nil {
		return err
	}
	if e.Change == nil {
		return errclass.ErrInvalidEvent.WithMessage("missing operation payload")
	}
	return e.Change.validate()
}

// Operation returns the event's operation.
func (e *Event) Operation() Operation {
	return e.Change.Operation()
}

// Before returns the prior state, or nil for create and read.
func (e *Event) Before() any {
	switch c := e.Change.(type) {
	case Update:
		return c.Before
	case Delete:
		return c.Before
	}
	return nil
}

// After returns the resulting state, or nil for delete.
func (e *Event) After() any {
	switch c := e.Change.(type) {
	case Create:
		return c.After
	case Read:
		return c.Snapshot
	case Update:
		return c.After
	}
	return nil
}

// Changes returns the field changes of an update.
func (e *Event) Changes() []FieldChange {
	if u, ok := e.Change.(Update); ok {
		return u.Changes
	}
	return nil
}

// Access returns the access details of a read.
func (e *Event) Access() *AccessDetails {
	if r, ok := e.Change.(Read); ok {
		return r.Access
	}
	return nil
}

// Params is the flat, loosely typed form of an event used by transports
// (CLI flags, HTTP bodies, stored lines). NewEvent enforces which fields each
// operation may carry.
type Params struct {
	Meta
	Operation Operation
	Before    any
	After     any
	Changes   []FieldChange
	Access    *AccessDetails
}

// NewEvent builds the operation variant described by p.
//
// create rejects a non-null before, delete rejects a non-null after, only
// update may carry changes and only read may carry access details.
func NewEvent(p Params) (*Event, error) {
	change, err := changeFor(p)
	if err != nil {
		return nil, err
	}
	return New(p.Meta, change)
}

func changeFor(p Params) (Change, error) {
	if len(p.Changes) > 0 && p.Operation != OperationUpdate {
		return nil, errclass.ErrInvalidEvent.WithMessagef("%s event cannot carry changes", p.Operation)
	}
	if p.Access != nil && p.Operation != OperationRead {
		return nil, errclass.ErrInvalidEvent.WithMessagef("%s event cannot carry accessDetails", p.Operation)
	}

	switch p.Operation {
	case OperationCreate:
		if !isNull(p.Before) {
			return nil, errclass.ErrInvalidEvent.WithMessage("create event must have before = null")
		}
		return Create{After: p.After}, nil
	case OperationRead:
		if !isNull(p.Before) {
			return nil, errclass.ErrInvalidEvent.WithMessage("read event must have before = null")
		}
		return Read{Snapshot: p.After, Access: p.Access}, nil
	case OperationUpdate:
		return Update{Before: p.Before, After: p.After, Changes: p.Changes}, nil
	case OperationDelete:
		if !isNull(p.After) {
			return nil, errclass.ErrInvalidEvent.WithMessage("delete event must have after = null")
		}
		return Delete{Before: p.Before}, nil
	default:
		return nil, errclass.ErrInvalidEvent.WithMessagef("unknown operation %q", p.Operation)
	}
}

// isNull treats typed nil pointers, maps, slices and interfaces as null.
func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
