package aggregate

import (
	"maps"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

// Event is one recorded state transition of an aggregate.
// It is created by RegisterEvent and treated as immutable afterwards.
type Event struct {
	ID            ident.ID
	AggregateID   ident.ID
	AggregateName string
	Type          string
	Data          map[string]any
	Metadata      map[string]any
	CreatedAt     time.Time
	CreatedBy     *ident.ID
}

func (e Event) clone() Event {
	out := e
	out.Data = maps.Clone(e.Data)
	out.Metadata = maps.Clone(e.Metadata)
	if e.CreatedBy != nil {
		by := *e.CreatedBy
		out.CreatedBy = &by
	}
	return out
}
