package dispatch

import (
	"context"
	"slices"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
)

// Handler reacts to domain events after they are committed.
type Handler interface {
	// Name identifies the handler in logs and reports.
	Name() string
	// EventTypes lists the event types the handler subscribes to.
	EventTypes() []string
	Handle(ctx context.Context, event aggregate.Event) error
}

type HandlerFunc func(ctx context.Context, event aggregate.Event) error

type funcHandler struct {
	name  string
	types []string
	fn    HandlerFunc
}

// NewHandler adapts fn into a Handler subscribed to types.
func NewHandler(name string, fn HandlerFunc, types ...string) Handler {
	return &funcHandler{name: name, types: slices.Clone(types), fn: fn}
}

func (h *funcHandler) Name() string         { return h.name }
func (h *funcHandler) EventTypes() []string { return slices.Clone(h.types) }

func (h *funcHandler) Handle(ctx context.Context, event aggregate.Event) error {
	return h.fn(ctx, event)
}
