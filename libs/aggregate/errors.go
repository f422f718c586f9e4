package aggregate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

var (
	// ErrVersionMismatch is matched by every *ConflictError. Callers should re-fetch and retry.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrInvalidState marks a save that skipped PrepareUpdate on a persisted aggregate.
	ErrInvalidState = errors.New("invalid aggregate state")
)

// ConflictError reports an optimistic-lock failure. Actual is nil when the row no longer exists.
type ConflictError struct {
	ID       ident.ID
	Expected int
	Actual   *int
}

func (e *ConflictError) Error() string {
	actual := "none"
	if e.Actual != nil {
		actual = strconv.Itoa(*e.Actual)
	}
	return fmt.Sprintf("aggregate %s: %s (expected %d, actual %s)", e.ID, ErrVersionMismatch, e.Expected, actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionMismatch
}

// IsConflict reports whether err is a version mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}
