// Package metrics defines the observation hooks of the persistence core.
// All implementations must be safe for concurrent use.
package metrics

import "time"

// Status values passed to ObserveOperation and ObserveDispatch.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusInvalid  = "invalid"
	StatusError    = "error"
	StatusPanic    = "panic"
)

type Hooks interface {
	// ObserveOperation records one repository operation (save, delete, find).
	ObserveOperation(aggregate, op, status string, dur time.Duration)
	// IncConflict counts optimistic-lock failures.
	IncConflict(aggregate string)
	// EventsAppended counts events written to the event log.
	EventsAppended(aggregate string, n int)
	// ObserveDispatch records one handler invocation.
	ObserveDispatch(eventType, status string, dur time.Duration)
	// CacheLookup counts read-cache hits and misses.
	CacheLookup(aggregate string, hit bool)
	// EventsRedelivered counts events delivered by the outbox relay.
	EventsRedelivered(n int)
}

type nop struct{}

func (nop) ObserveOperation(string, string, string, time.Duration) {}
func (nop) IncConflict(string)                                     {}
func (nop) EventsAppended(string, int)                             {}
func (nop) ObserveDispatch(string, string, time.Duration)          {}
func (nop) CacheLookup(string, bool)                               {}
func (nop) EventsRedelivered(int)                                  {}

// Nop returns hooks that discard everything.
func Nop() Hooks { return nop{} }

// OrNop returns h, or Nop when h is nil.
func OrNop(h Hooks) Hooks {
	if h == nil {
		return nop{}
	}
	return h
}
