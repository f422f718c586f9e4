package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewPrometheus(reg)

	h.ObserveOperation("user", "save", StatusOK, 3*time.Millisecond)
	h.IncConflict("user")
	h.IncConflict("user")
	h.EventsAppended("user", 3)
	h.ObserveDispatch("user.registered", StatusError, time.Millisecond)
	h.CacheLookup("user", true)
	h.CacheLookup("user", false)
	h.EventsRedelivered(2)

	p := h.(*promHooks)
	require.Equal(t, 2.0, testutil.ToFloat64(p.conflicts.WithLabelValues("user")))
	require.Equal(t, 3.0, testutil.ToFloat64(p.eventsAppended.WithLabelValues("user")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues("user", "true")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.redelivered))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 6)
}

func TestOrNop(t *testing.T) {
	h := OrNop(nil)
	require.NotNil(t, h)
	h.ObserveOperation("x", "save", StatusOK, time.Second)
	h.EventsRedelivered(1)
}
