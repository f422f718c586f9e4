// Package ident provides the validated identifier used for aggregates, events and actors.
package ident

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("invalid identifier")

// ID is an immutable UUID-backed identifier. The zero value is "absent".
type ID struct {
	s string
}

func New() ID {
	return ID{s: uuid.NewString()}
}

// Parse validates raw as a UUID and returns it in canonical lower-case form.
func Parse(raw string) (ID, error) {
	u, err := uuid.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return ID{s: u.String()}, nil
}

func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return id.s }

func (id ID) IsZero() bool { return id.s == "" }

func (id ID) Equal(other ID) bool { return id.s == other.s }

// Ptr returns a pointer to a copy of id, or nil for the zero ID.
func (id ID) Ptr() *ID {
	if id.IsZero() {
		return nil
	}
	return &id
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.s), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value binds the ID as text; the zero ID binds as NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.s, nil
}

func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 16 {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			*id = ID{s: u.String()}
			return nil
		}
		return id.UnmarshalText(v)
	case [16]byte:
		*id = ID{s: uuid.UUID(v).String()}
		return nil
	default:
		return fmt.Errorf("ident: cannot scan %T", src)
	}
}
