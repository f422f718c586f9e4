package repository

import (
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
)

// Mapper binds one aggregate type to its table. It replaces reflection: the
// repository only ever sees the columns and values the mapper hands out.
type Mapper[T aggregate.Versioned] interface {
	// Name is the aggregate name recorded on events and in metrics.
	Name() string
	Table() string
	// Columns lists the aggregate-specific columns. The shared columns in
	// aggregate.BaseColumns are added by the repository.
	Columns() []string
	// Encode returns the aggregate-specific values keyed by column.
	Encode(agg T) aggregate.Row
	// Decode returns scan destinations aligned with Columns and a constructor
	// that assembles the aggregate once they are filled.
	Decode() (dest []any, build func(base aggregate.Base) T)
}

// CachePolicy is implemented by mappers whose rows must stay out of the cache,
// for example rows holding credentials. Repositories for them ignore WithCache.
type CachePolicy interface {
	Cacheable() bool
}

func cacheable(m any) bool {
	p, ok := m.(CachePolicy)
	return !ok || p.Cacheable()
}

func selectColumns(cols []string) []string {
	out := make([]string, 0, len(aggregate.BaseColumns)+len(cols))
	out = append(out, aggregate.BaseColumns...)
	return append(out, cols...)
}

// immutable columns are written once by the create path.
var immutable = map[string]bool{
	aggregate.ColumnID:        true,
	aggregate.ColumnCreatedAt: true,
	aggregate.ColumnCreatedBy: true,
}

func encodeRow[T aggregate.Versioned](m Mapper[T], agg T) aggregate.Row {
	out := agg.BaseRow()
	domain := m.Encode(agg)
	for _, c := range m.Columns() {
		out[c] = domain[c]
	}
	return out
}
