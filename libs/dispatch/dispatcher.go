// Package dispatch fans committed domain events out to in-process handlers.
// Each (event, handler) pair runs in its own goroutine behind its own recover
// boundary, so one failing or panicking handler never affects another.
// Delivery is best effort and at most once per Dispatch call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/metrics"
	otelx "github.com/md-rashed-zaman/tenancy/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var ErrNoEventTypes = errors.New("dispatch: handler declares no event types")

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Outcome is the result of one handler invocation.
type Outcome struct {
	Handler   string
	EventID   string
	EventType string
	Err       error
	Duration  time.Duration
}

// Report lists every invocation made by one Dispatch call.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that ended in an error or panic.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	log         *slog.Logger
	hooks       metrics.Hooks
	tracer      trace.Tracer
	concurrency int
	timeout     time.Duration
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithHooks(h metrics.Hooks) Option {
	return func(d *Dispatcher) { d.hooks = metrics.OrNop(h) }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithConcurrency bounds how many handler invocations run at once. Zero or
// less means unbounded.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: map[string][]Handler{},
		log:      slog.Default(),
		hooks:    metrics.Nop(),
		tracer:   otel.Tracer("tenancy/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes h to every type it declares. Registering the same
// handler twice, or for overlapping types, is allowed.
func (d *Dispatcher) Register(h Handler) error {
	types := h.EventTypes()
	if len(types) == 0 {
		return fmt.Errorf("register %q: %w", h.Name(), ErrNoEventTypes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range types {
		d.handlers[t] = append(d.handlers[t], h)
	}
	return nil
}

// Handlers returns the handlers registered for eventType in registration order.
func (d *Dispatcher) Handlers(eventType string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Handler(nil), d.handlers[eventType]...)
}

type invocation struct {
	event   aggregate.Event
	handler Handler
}

// Dispatch invokes every matching handler for every event and waits for all
// of them. Handler failures are logged and reported, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, events []aggregate.Event) Report {
	if len(events) == 0 {
		return Report{}
	}

	var calls []invocation
	d.mu.RLock()
	for _, e := range events {
		for _, h := range d.handlers[e.Type] {
			calls = append(calls, invocation{event: e, handler: h})
		}
	}
	d.mu.RUnlock()
	if len(calls) == 0 {
		return Report{}
	}

	outcomes := make([]Outcome, len(calls))
	var g errgroup.Group
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for i, c := range calls {
		g.Go(func() error {
			outcomes[i] = d.invoke(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return Report{Outcomes: outcomes}
}

func (d *Dispatcher) invoke(ctx context.Context, c invocation) (out Outcome) {
	e := c.event
	out = Outcome{Handler: c.handler.Name(), EventID: e.ID.String(), EventType: e.Type}

	ctx = otelx.ContextFromMetadata(ctx, e.Metadata)
	ctx, span := d.tracer.Start(ctx, "dispatch."+e.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("handler", out.Handler),
			attribute.String("event.id", out.EventID),
			attribute.String("aggregate.name", e.AggregateName),
			attribute.String("aggregate.id", e.AggregateID.String()),
		),
	)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		status := metrics.StatusOK
		if r := recover(); r != nil {
			out.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		if out.Err != nil {
			status = metrics.StatusError
			attrs := []any{
				"handler", out.Handler,
				"event_type", e.Type,
				"event_id", out.EventID,
				"aggregate_id", e.AggregateID.String(),
				"aggregate_name", e.AggregateName,
				"err", out.Err,
			}
			var p *PanicError
			if errors.As(out.Err, &p) {
				status = metrics.StatusPanic
				attrs = append(attrs, "stack", string(p.Stack))
			}
			d.log.ErrorContext(ctx, "event handler failed", attrs...)
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
		d.hooks.ObserveDispatch(e.Type, status, out.Duration)
	}()

	out.Err = c.handler.Handle(ctx, e)
	return out
}
