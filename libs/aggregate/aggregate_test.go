package aggregate

import (
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/stretchr/testify/require"
)

func frozenClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestNewBaseStartsAtVersionZero(t *testing.T) {
	creator := ident.New()
	b := NewBase("user", ident.New(), &creator)

	require.Equal(t, 0, b.Version())
	require.False(t, b.UpdatePrepared())
	require.Equal(t, "user", b.AggregateName())
	require.Equal(t, creator, *b.CreatedBy())
	require.Nil(t, b.LastModifiedBy())
	_, ok := b.LastModifiedAt()
	require.False(t, ok)
	require.Empty(t, b.Events())
}

func TestPrepareUpdateIncrementsByOne(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	op := ident.New()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.PrepareUpdate(op, ExpectVersion(i-1)))
		require.Equal(t, i, b.Version())
	}
	require.True(t, b.UpdatePrepared())
	require.Equal(t, op, *b.LastModifiedBy())
	_, ok := b.LastModifiedAt()
	require.True(t, ok)
}

func TestPrepareUpdateVersionMismatchLeavesStateUntouched(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	before := b.Snapshot()

	err := b.PrepareUpdate(ident.New(), ExpectVersion(3))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrVersionMismatch))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 3, conflict.Expected)
	require.NotNil(t, conflict.Actual)
	require.Equal(t, 0, *conflict.Actual)

	require.Equal(t, before, b.Snapshot())
	require.False(t, b.UpdatePrepared())
}

func TestPrepareUpdateWithoutExpectation(t *testing.T) {
	b := Restore("tenant", Snapshot{ID: ident.New(), Version: 7, CreatedAt: time.Now().UTC()})
	require.False(t, b.UpdatePrepared())
	require.NoError(t, b.PrepareUpdate(ident.New()))
	require.Equal(t, 8, b.Version())
}

func TestRegisterEventAttribution(t *testing.T) {
	creator := ident.New()
	b := NewBase("user", ident.New(), &creator)

	b.RegisterEvent("user.registered", map[string]any{"email": "a@b.c"}, nil)
	events := b.Events()
	require.Len(t, events, 1)
	require.Equal(t, creator, *events[0].CreatedBy)
	require.Equal(t, b.ID(), events[0].AggregateID)
	require.Equal(t, "user", events[0].AggregateName)
	require.Nil(t, events[0].Metadata)
	require.False(t, events[0].ID.IsZero())

	op := ident.New()
	require.NoError(t, b.PrepareUpdate(op))
	b.RegisterEvent("user.renamed", nil, map[string]any{"source": "test"})
	events = b.Events()
	require.Len(t, events, 2)
	require.Equal(t, op, *events[1].CreatedBy)
	require.NotNil(t, events[1].Data)
	require.Equal(t, "test", events[1].Metadata["source"])
}

func TestEventTimesStrictlyIncrease(t *testing.T) {
	frozenClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBase("user", ident.New(), nil)
	for i := 0; i < 4; i++ {
		b.RegisterEvent("tick", nil, nil)
	}
	events := b.Events()
	for i := 1; i < len(events); i++ {
		require.True(t, events[i].CreatedAt.After(events[i-1].CreatedAt))
	}
}

func TestEventsReturnsDefensiveCopy(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	b.RegisterEvent("user.registered", map[string]any{"email": "a@b.c"}, nil)

	events := b.Events()
	events[0].Type = "tampered"
	events[0].Data["email"] = "evil@x.y"
	_ = append(events, Event{Type: "extra"})

	again := b.Events()
	require.Len(t, again, 1)
	require.Equal(t, "user.registered", again[0].Type)
	require.Equal(t, "a@b.c", again[0].Data["email"])
}

func TestClearEvents(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	b.RegisterEvent("a", nil, nil)
	b.RegisterEvent("b", nil, nil)
	b.ClearEvents()
	require.Empty(t, b.Events())
}

func TestBaseRowNullsAbsentFields(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	row := b.BaseRow()

	require.Equal(t, BaseColumns, []string{"id", "version", "created_at", "last_modified_at", "created_by", "last_modified_by"})
	require.ElementsMatch(t, BaseColumns, row.Columns())
	require.Nil(t, row[ColumnLastModifiedAt])
	require.Nil(t, row[ColumnCreatedBy])
	require.Nil(t, row[ColumnLastModifiedBy])
	require.Equal(t, 0, row[ColumnVersion])
	require.Equal(t, b.ID(), row[ColumnID])
}

func TestConflictErrorMessage(t *testing.T) {
	id := ident.MustParse("00000000-0000-0000-0000-000000000001")
	one := 1
	require.Equal(t,
		"aggregate 00000000-0000-0000-0000-000000000001: version mismatch (expected 0, actual 1)",
		(&ConflictError{ID: id, Expected: 0, Actual: &one}).Error())
	require.Contains(t, (&ConflictError{ID: id}).Error(), "actual none")
	require.True(t, IsConflict(&ConflictError{ID: id}))
	require.False(t, IsConflict(ErrInvalidState))
}

func TestSetEventMetadataMerges(t *testing.T) {
	b := NewBase("user", ident.New(), nil)
	b.SetEventMetadata(map[string]any{"traceparent": "00-a-b-01", "source": "api"})

	b.RegisterEvent("user.registered", nil, map[string]any{"source": "import"})
	b.RegisterEvent("user.renamed", nil, nil)

	events := b.Events()
	require.Equal(t, map[string]any{"traceparent": "00-a-b-01", "source": "import"}, events[0].Metadata)
	require.Equal(t, map[string]any{"traceparent": "00-a-b-01", "source": "api"}, events[1].Metadata)

	b.SetEventMetadata(nil)
	b.RegisterEvent("user.deactivated", nil, nil)
	require.Nil(t, b.Events()[2].Metadata)
}

func TestSetEventMetadataStampsPendingEvents(t *testing.T) {
	b := NewBase("tenant", ident.New(), nil)
	b.RegisterEvent("tenant.created", nil, nil)
	b.RegisterEvent("tenant.renamed", nil, map[string]any{"traceparent": "explicit"})

	b.SetEventMetadata(map[string]any{"traceparent": "00-a-b-01"})

	events := b.Events()
	require.Equal(t, "00-a-b-01", events[0].Metadata["traceparent"])
	require.Equal(t, "explicit", events[1].Metadata["traceparent"])
}
