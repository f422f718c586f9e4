// Package aggregate provides the embeddable base for versioned aggregates:
// identity, optimistic-concurrency version, audit attribution and the queue
// of domain events waiting to be persisted.
//
// Concrete aggregates embed Base and add their own fields and mutation methods.
// Mutations record events with RegisterEvent; the repository persists them in the
// same transaction as the row and then calls ClearEvents.
//
// Lifecycle:
//
//	a := NewThing(...)            // version 0, create path on save
//	repo.Save(ctx, a)             // INSERT
//	a.PrepareUpdate(op, ExpectVersion(0))
//	a.Rename("x")                 // mutate + RegisterEvent
//	repo.Save(ctx, a)             // UPDATE ... WHERE id = $ AND version = 0
package aggregate

import (
	"maps"
	"sort"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

var now = time.Now

// Row is a flat column -> value representation of an aggregate for storage.
type Row map[string]any

// Columns returns the row's keys in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Base column names shared by every aggregate table.
const (
	ColumnID             = "id"
	ColumnVersion        = "version"
	ColumnCreatedAt      = "created_at"
	ColumnLastModifiedAt = "last_modified_at"
	ColumnCreatedBy      = "created_by"
	ColumnLastModifiedBy = "last_modified_by"
)

// BaseColumns lists the shared columns in scan order.
var BaseColumns = []string{
	ColumnID,
	ColumnVersion,
	ColumnCreatedAt,
	ColumnLastModifiedAt,
	ColumnCreatedBy,
	ColumnLastModifiedBy,
}

// Versioned is the capability the repository relies on. *Base implements it,
// so does any pointer to a struct embedding Base.
type Versioned interface {
	ID() ident.ID
	AggregateName() string
	Version() int
	UpdatePrepared() bool
	PrepareUpdate(operator ident.ID, opts ...UpdateOption) error
	RegisterEvent(eventType string, data, metadata map[string]any)
	SetEventMetadata(md map[string]any)
	Events() []Event
	ClearEvents()
	BaseRow() Row
	Snapshot() Snapshot
}

// Snapshot is the persisted form of the common fields.
type Snapshot struct {
	ID             ident.ID   `json:"id"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
	CreatedBy      *ident.ID  `json:"created_by,omitempty"`
	LastModifiedBy *ident.ID  `json:"last_modified_by,omitempty"`
}

type Base struct {
	name           string
	id             ident.ID
	version        int
	createdAt      time.Time
	lastModifiedAt *time.Time
	createdBy      *ident.ID
	lastModifiedBy *ident.ID
	updatePrepared bool

	pending       []Event
	lastEventAt   time.Time
	eventMetadata map[string]any
}

var _ Versioned = (*Base)(nil)

// NewBase starts a not-yet-persisted aggregate at version 0.
func NewBase(name string, id ident.ID, createdBy *ident.ID) Base {
	return Base{
		name:      name,
		id:        id,
		createdAt: timestamp(),
		createdBy: copyID(createdBy),
	}
}

// Restore rebuilds the common fields from storage. The result has no pending
// events and must go through PrepareUpdate before the next save.
func Restore(name string, s Snapshot) Base {
	return Base{
		name:           name,
		id:             s.ID,
		version:        s.Version,
		createdAt:      s.CreatedAt,
		lastModifiedAt: copyTime(s.LastModifiedAt),
		createdBy:      copyID(s.CreatedBy),
		lastModifiedBy: copyID(s.LastModifiedBy),
	}
}

func (b *Base) ID() ident.ID              { return b.id }
func (b *Base) AggregateName() string     { return b.name }
func (b *Base) Version() int              { return b.version }
func (b *Base) CreatedAt() time.Time      { return b.createdAt }
func (b *Base) UpdatePrepared() bool      { return b.updatePrepared }
func (b *Base) CreatedBy() *ident.ID      { return copyID(b.createdBy) }
func (b *Base) LastModifiedBy() *ident.ID { return copyID(b.lastModifiedBy) }

func (b *Base) LastModifiedAt() (time.Time, bool) {
	if b.lastModifiedAt == nil {
		return time.Time{}, false
	}
	return *b.lastModifiedAt, true
}

type updateConfig struct {
	expected *int
}

type UpdateOption func(*updateConfig)

// ExpectVersion makes PrepareUpdate fail unless the aggregate is at version v.
func ExpectVersion(v int) UpdateOption {
	return func(c *updateConfig) { c.expected = &v }
}

// PrepareUpdate stamps the modifier and advances the version by one. With
// ExpectVersion it fails with a *ConflictError, leaving the aggregate untouched,
// when the current version differs.
func (b *Base) PrepareUpdate(operator ident.ID, opts ...UpdateOption) error {
	var cfg updateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.expected != nil && *cfg.expected != b.version {
		actual := b.version
		return &ConflictError{ID: b.id, Expected: *cfg.expected, Actual: &actual}
	}

	at := timestamp()
	b.lastModifiedAt = &at
	b.lastModifiedBy = operator.Ptr()
	b.version++
	b.updatePrepared = true
	return nil
}

// SetEventMetadata sets metadata merged into pending and later events, e.g.
// the trace context of the request. Keys given to RegisterEvent win. It is
// not persisted with the aggregate.
func (b *Base) SetEventMetadata(md map[string]any) {
	b.eventMetadata = maps.Clone(md)
	for i := range b.pending {
		b.pending[i].Metadata = mergeMetadata(b.eventMetadata, b.pending[i].Metadata)
	}
}

// RegisterEvent queues an event attributed to the latest modifier, or the creator.
func (b *Base) RegisterEvent(eventType string, data, metadata map[string]any) {
	if data == nil {
		data = map[string]any{}
	} else {
		data = maps.Clone(data)
	}
	metadata = mergeMetadata(b.eventMetadata, metadata)
	by := b.lastModifiedBy
	if by == nil {
		by = b.createdBy
	}
	b.pending = append(b.pending, Event{
		ID:            ident.New(),
		AggregateID:   b.id,
		AggregateName: b.name,
		Type:          eventType,
		Data:          data,
		Metadata:      maps.Clone(metadata),
		CreatedAt:     b.nextEventTime(),
		CreatedBy:     copyID(by),
	})
}

// Events returns a copy of the pending events.
func (b *Base) Events() []Event {
	out := make([]Event, len(b.pending))
	for i, e := range b.pending {
		out[i] = e.clone()
	}
	return out
}

func (b *Base) ClearEvents() {
	b.pending = nil
}

// BaseRow serialises the common fields. Absent values are untyped nil.
func (b *Base) BaseRow() Row {
	return Row{
		ColumnID:             b.id,
		ColumnVersion:        b.version,
		ColumnCreatedAt:      b.createdAt,
		ColumnLastModifiedAt: nullTime(b.lastModifiedAt),
		ColumnCreatedBy:      nullID(b.createdBy),
		ColumnLastModifiedBy: nullID(b.lastModifiedBy),
	}
}

func (b *Base) Snapshot() Snapshot {
	return Snapshot{
		ID:             b.id,
		Version:        b.version,
		CreatedAt:      b.createdAt,
		LastModifiedAt: copyTime(b.lastModifiedAt),
		CreatedBy:      copyID(b.createdBy),
		LastModifiedBy: copyID(b.lastModifiedBy),
	}
}

// nextEventTime keeps event timestamps strictly increasing at microsecond
// resolution so the log order matches registration order.
func (b *Base) nextEventTime() time.Time {
	t := timestamp()
	if !t.After(b.lastEventAt) {
		t = b.lastEventAt.Add(time.Microsecond)
	}
	b.lastEventAt = t
	return t
}

// mergeMetadata returns a fresh map of defaults overlaid with explicit, or nil
// when both are empty.
func mergeMetadata(defaults, explicit map[string]any) map[string]any {
	if len(defaults) == 0 && len(explicit) == 0 {
		return maps.Clone(explicit)
	}
	out := maps.Clone(defaults)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, explicit)
	return out
}

func timestamp() time.Time {
	return now().UTC().Truncate(time.Microsecond)
}

func copyID(id *ident.ID) *ident.ID {
	if id == nil || id.IsZero() {
		return nil
	}
	c := *id
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func nullID(id *ident.ID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
