// Package repository persists versioned aggregates together with their domain
// events. Every write runs in one transaction: the row, the events and any
// post-save callbacks commit together or not at all.
//
// Updates are a compare-and-swap on (id, version). A zero-row update means a
// concurrent writer won the transition and surfaces as *aggregate.ConflictError.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotFound = errors.New("aggregate not found")

// EventAppender persists events inside the caller's transaction.
type EventAppender interface {
	Save(ctx context.Context, tx pgx.Tx, events []aggregate.Event) error
}

// TxFunc runs after the row and events are written, inside the same
// transaction. Returning an error rolls everything back.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

type Repository[T aggregate.Versioned] struct {
	conn   db.Conn
	events EventAppender
	mapper Mapper[T]
	log    *slog.Logger
	hooks  metrics.Hooks
	cache  Cache
	tracer trace.Tracer
}

type Option func(*options)

type options struct {
	log    *slog.Logger
	hooks  metrics.Hooks
	cache  Cache
	tracer trace.Tracer
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithHooks(h metrics.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithCache enables the read-through cache on FindByID. It is ignored for
// mappers whose CachePolicy opts out.
func WithCache(c Cache) Option {
	return func(o *options) { o.cache = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func New[T aggregate.Versioned](conn db.Conn, events EventAppender, mapper Mapper[T], opts ...Option) *Repository[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("tenancy/repository")
	}
	if !cacheable(mapper) {
		o.cache = nil
	}
	return &Repository[T]{
		conn:   conn,
		events: events,
		mapper: mapper,
		log:    o.log.With("aggregate_name", mapper.Name(), "table", mapper.Table()),
		hooks:  metrics.OrNop(o.hooks),
		cache:  o.cache,
		tracer: o.tracer,
	}
}

// Save persists agg and its pending events. Version 0 takes the create path;
// anything else must have gone through PrepareUpdate and is written with a
// conditional update on the previous version. Callbacks run last, inside the
// transaction. On success the pending events are cleared; callers that
// dispatch should take agg.Events() before calling Save. Both a commit and a
// conflict invalidate the cached copy so a retry reads the current row.
func (r *Repository[T]) Save(ctx context.Context, agg T, afterWrite ...TxFunc) (err error) {
	ctx, done := r.begin(ctx, "save", agg.ID(), attribute.Int("aggregate.version", agg.Version()))
	defer func() { done(err) }()

	if err := db.Check(r.conn); err != nil {
		return err
	}
	if agg.Version() > 0 && !agg.UpdatePrepared() {
		return fmt.Errorf("save %s %s at version %d: %w", r.mapper.Name(), agg.ID(), agg.Version(), aggregate.ErrInvalidState)
	}

	events := agg.Events()
	err = db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		if agg.Version() == 0 {
			if err := r.insert(ctx, tx, agg); err != nil {
				return err
			}
		} else if err := r.update(ctx, tx, agg); err != nil {
			return err
		}
		if err := r.events.Save(ctx, tx, events); err != nil {
			return fmt.Errorf("persist events: %w", err)
		}
		return runCallbacks(ctx, tx, afterWrite)
	})
	if err != nil {
		var conflict *aggregate.ConflictError
		if errors.As(err, &conflict) {
			r.invalidate(ctx, agg.ID(), conflictVersion(conflict))
		}
		return err
	}

	agg.ClearEvents()
	r.invalidate(ctx, agg.ID(), agg.Version())
	return nil
}

// Delete removes the row by id and persists pending events in the same
// transaction. A missing row is ErrNotFound.
func (r *Repository[T]) Delete(ctx context.Context, agg T, afterWrite ...TxFunc) error {
	return r.remove(ctx, agg, nil, afterWrite)
}

// DeleteAt is Delete conditional on the row still being at version. A row
// at another version, or no row at all, is a *aggregate.ConflictError.
func (r *Repository[T]) DeleteAt(ctx context.Context, agg T, version int, afterWrite ...TxFunc) error {
	return r.remove(ctx, agg, &version, afterWrite)
}

func (r *Repository[T]) remove(ctx context.Context, agg T, expected *int, afterWrite []TxFunc) (err error) {
	attrs := []attribute.KeyValue{}
	if expected != nil {
		attrs = append(attrs, attribute.Int("aggregate.expected_version", *expected))
	}
	ctx, done := r.begin(ctx, "delete", agg.ID(), attrs...)
	defer func() { done(err) }()

	if err := db.Check(r.conn); err != nil {
		return err
	}

	where := "id = $1"
	args := []any{agg.ID()}
	if expected != nil {
		where += " AND version = $2"
		args = append(args, *expected)
	}

	events := agg.Events()
	err = db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s
			WHERE %s
		`, r.mapper.Table(), where), args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if expected != nil {
				return r.versionConflict(ctx, tx, agg.ID(), *expected)
			}
			return fmt.Errorf("delete %s %s: %w", r.mapper.Name(), agg.ID(), ErrNotFound)
		}
		if err := r.events.Save(ctx, tx, events); err != nil {
			return fmt.Errorf("persist events: %w", err)
		}
		return runCallbacks(ctx, tx, afterWrite)
	})
	if err != nil {
		var conflict *aggregate.ConflictError
		if errors.As(err, &conflict) {
			r.invalidate(ctx, agg.ID(), conflictVersion(conflict))
		}
		return err
	}

	agg.ClearEvents()
	persisted := agg.Version()
	if agg.UpdatePrepared() {
		persisted--
	}
	if expected != nil {
		persisted = *expected
	}
	r.invalidate(ctx, agg.ID(), persisted+1)
	return nil
}

// FindByID loads one aggregate, consulting the cache first. Absence is
// (zero, false, nil).
func (r *Repository[T]) FindByID(ctx context.Context, id ident.ID) (T, bool, error) {
	return r.find(ctx, id, true)
}

// Refresh loads one aggregate from the database, skipping the cache, and
// caches the result.
func (r *Repository[T]) Refresh(ctx context.Context, id ident.ID) (T, bool, error) {
	return r.find(ctx, id, false)
}

func (r *Repository[T]) find(ctx context.Context, id ident.ID, useCache bool) (agg T, found bool, err error) {
	ctx, done := r.begin(ctx, "find", id)
	defer func() { done(err) }()

	if useCache {
		if cached, ok := r.cached(ctx, id); ok {
			return cached, true, nil
		}
	}
	if err := db.Check(r.conn); err != nil {
		return agg, false, err
	}

	agg, err = r.scan(r.conn.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1
	`, strings.Join(selectColumns(r.mapper.Columns()), ", "), r.mapper.Table()), id))
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		return agg, false, err
	}

	r.store(ctx, agg)
	return agg, true, nil
}

// IsConflict reports whether err is an optimistic-lock failure the caller
// may retry after re-reading the aggregate.
func IsConflict(err error) bool {
	return aggregate.IsConflict(err)
}

func (r *Repository[T]) insert(ctx context.Context, tx pgx.Tx, agg T) error {
	values := encodeRow(r.mapper, agg)
	cols := selectColumns(r.mapper.Columns())

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}

	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
	`, r.mapper.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
	return err
}

func (r *Repository[T]) update(ctx context.Context, tx pgx.Tx, agg T) error {
	values := encodeRow(r.mapper, agg)
	expected := agg.Version() - 1

	var sets []string
	var args []any
	for _, c := range selectColumns(r.mapper.Columns()) {
		if immutable[c] {
			continue
		}
		args = append(args, values[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	args = append(args, agg.ID(), expected)

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE id = $%d AND version = $%d
	`, r.mapper.Table(), strings.Join(sets, ", "), len(args)-1, len(args)), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.versionConflict(ctx, tx, agg.ID(), expected)
}

// versionConflict reads the row's current version inside tx after a
// conditional write matched nothing.
func (r *Repository[T]) versionConflict(ctx context.Context, tx pgx.Tx, id ident.ID, expected int) error {
	conflict := &aggregate.ConflictError{ID: id, Expected: expected}
	var actual int
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT version
		FROM %s
		WHERE id = $1
	`, r.mapper.Table()), id).Scan(&actual)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read version after conflict: %w", err)
	default:
		conflict.Actual = &actual
	}
	return conflict
}

func (r *Repository[T]) scan(row pgx.Row) (T, error) {
	var zero T
	var snap aggregate.Snapshot
	dest, build := r.mapper.Decode()
	targets := append([]any{
		&snap.ID,
		&snap.Version,
		&snap.CreatedAt,
		&snap.LastModifiedAt,
		&snap.CreatedBy,
		&snap.LastModifiedBy,
	}, dest...)
	if err := row.Scan(targets...); err != nil {
		return zero, err
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	if snap.LastModifiedAt != nil {
		t := snap.LastModifiedAt.UTC()
		snap.LastModifiedAt = &t
	}
	return build(aggregate.Restore(r.mapper.Name(), snap)), nil
}

func (r *Repository[T]) cached(ctx context.Context, id ident.ID) (T, bool) {
	var zero T
	if r.cache == nil {
		return zero, false
	}
	raw, ok, err := r.cache.Get(ctx, cacheKey(r.mapper.Name(), id))
	if err != nil {
		r.log.WarnContext(ctx, "cache get failed", "aggregate_id", id.String(), "err", err)
		return zero, false
	}
	r.hooks.CacheLookup(r.mapper.Name(), ok)
	if !ok {
		return zero, false
	}
	agg, err := decodeEntry(r.mapper, raw)
	if err != nil {
		r.log.WarnContext(ctx, "cache entry unreadable", "aggregate_id", id.String(), "err", err)
		return zero, false
	}
	return agg, true
}

func (r *Repository[T]) store(ctx context.Context, agg T) {
	if r.cache == nil {
		return
	}
	raw, err := encodeEntry(r.mapper, agg)
	if err == nil {
		err = r.cache.Store(ctx, cacheKey(r.mapper.Name(), agg.ID()), agg.Version(), raw)
	}
	if err != nil {
		r.log.WarnContext(ctx, "cache store failed", "aggregate_id", agg.ID().String(), "err", err)
	}
}

// invalidate drops the cached copy and keeps reads older than version out.
func (r *Repository[T]) invalidate(ctx context.Context, id ident.ID, version int) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, cacheKey(r.mapper.Name(), id), version); err != nil {
		r.log.WarnContext(ctx, "cache invalidate failed", "aggregate_id", id.String(), "err", err)
	}
}

// conflictVersion is the oldest version a cached copy may hold after the
// conflict: the row's actual version, or past the expected one when the row
// is gone.
func conflictVersion(c *aggregate.ConflictError) int {
	if c.Actual != nil {
		return *c.Actual
	}
	return c.Expected + 1
}

// begin opens the operation span and returns the function that closes it
// and records the outcome.
func (r *Repository[T]) begin(ctx context.Context, op string, id ident.ID, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs,
		attribute.String("aggregate.name", r.mapper.Name()),
		attribute.String("aggregate.id", id.String()),
	)
	ctx, span := r.tracer.Start(ctx, "repository."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		status := metrics.StatusOK
		switch {
		case err == nil:
		case aggregate.IsConflict(err):
			status = metrics.StatusConflict
			r.hooks.IncConflict(r.mapper.Name())
			r.log.InfoContext(ctx, "version conflict", "aggregate_id", id.String(), "err", err)
		case errors.Is(err, aggregate.ErrInvalidState):
			status = metrics.StatusInvalid
		default:
			status = metrics.StatusError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.hooks.ObserveOperation(r.mapper.Name(), op, status, time.Since(start))
	}
}

func runCallbacks(ctx context.Context, tx pgx.Tx, fns []TxFunc) error {
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}
