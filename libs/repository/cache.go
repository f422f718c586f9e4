package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

// Cache is a versioned byte store consulted by FindByID. Implementations must
// be safe for concurrent use. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Store caches value read at version unless the key holds a newer entry
	// or marker.
	Store(ctx context.Context, key string, version int, value []byte) error
	// Invalidate drops the value and refuses stores older than version.
	Invalidate(ctx context.Context, key string, version int) error
}

type cacheEntry struct {
	Base   aggregate.Snapshot         `json:"base"`
	Fields map[string]json.RawMessage `json:"fields"`
}

func cacheKey(name string, id ident.ID) string {
	return name + ":" + id.String()
}

func encodeEntry[T aggregate.Versioned](m Mapper[T], agg T) ([]byte, error) {
	entry := cacheEntry{Base: agg.Snapshot(), Fields: map[string]json.RawMessage{}}
	values := m.Encode(agg)
	for _, c := range m.Columns() {
		raw, err := json.Marshal(values[c])
		if err != nil {
			return nil, fmt.Errorf("encode column %s: %w", c, err)
		}
		entry.Fields[c] = raw
	}
	return json.Marshal(entry)
}

func decodeEntry[T aggregate.Versioned](m Mapper[T], raw []byte) (T, error) {
	var zero T
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return zero, err
	}
	dest, build := m.Decode()
	cols := m.Columns()
	if len(dest) != len(cols) {
		return zero, fmt.Errorf("mapper %s: %d destinations for %d columns", m.Name(), len(dest), len(cols))
	}
	for i, c := range cols {
		field, ok := entry.Fields[c]
		if !ok {
			return zero, fmt.Errorf("cached %s is missing column %s", m.Name(), c)
		}
		if err := json.Unmarshal(field, dest[i]); err != nil {
			return zero, fmt.Errorf("decode column %s: %w", c, err)
		}
	}
	return build(aggregate.Restore(m.Name(), entry.Base)), nil
}
