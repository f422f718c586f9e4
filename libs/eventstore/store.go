// Package eventstore is the append-only Postgres log of domain events.
// Writes always join the caller's transaction; the store never begins one.
package eventstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
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

//go:embed schema.sql
var Schema string

const DefaultTable = "domain_events"

// Columns of the event log in scan order.
const Columns = "id, aggregate_id, aggregate_name, event_type, data, metadata, created_at, created_by"

const columnCount = 8

// maxRowsPerInsert keeps a single INSERT well below the 65535 parameter limit.
const maxRowsPerInsert = 1000

var ErrNoTransaction = errors.New("eventstore: transaction required")

type Store struct {
	conn   db.Conn
	table  string
	hooks  metrics.Hooks
	tracer trace.Tracer
}

type Option func(*Store)

func WithTable(name string) Option {
	return func(s *Store) {
		if name = strings.TrimSpace(name); name != "" {
			s.table = name
		}
	}
}

func WithHooks(h metrics.Hooks) Option {
	return func(s *Store) { s.hooks = metrics.OrNop(h) }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

func New(conn db.Conn, opts ...Option) *Store {
	s := &Store{
		conn:   conn,
		table:  DefaultTable,
		hooks:  metrics.Nop(),
		tracer: otel.Tracer("tenancy/eventstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Table() string { return s.table }

// Save appends events inside tx. An empty slice is a no-op.
func (s *Store) Save(ctx context.Context, tx pgx.Tx, events []aggregate.Event) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}

	ctx, span := s.tracer.Start(ctx, "eventstore.save",
		trace.WithAttributes(attribute.Int("events.count", len(events))),
	)
	defer span.End()

	for start := 0; start < len(events); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(events))
		if err := s.insert(ctx, tx, events[start:end]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	counts := map[string]int{}
	for _, e := range events {
		counts[e.AggregateName]++
	}
	for name, n := range counts {
		s.hooks.EventsAppended(name, n)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, tx pgx.Tx, events []aggregate.Event) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.table, Columns)

	args := make([]any, 0, len(events)*columnCount)
	for i, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode data of event %s: %w", e.ID, err)
		}
		var metadata any
		if e.Metadata != nil {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of event %s: %w", e.ID, err)
			}
			metadata = raw
		}
		var createdBy any
		if e.CreatedBy != nil {
			createdBy = *e.CreatedBy
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args, e.ID, e.AggregateID, e.AggregateName, e.Type, data, metadata, e.CreatedAt, createdBy)
	}

	_, err := tx.Exec(ctx, sb.String(), args...)
	return err
}

// FindByAggregateID returns the aggregate's events oldest first.
func (s *Store) FindByAggregateID(ctx context.Context, id ident.ID) ([]aggregate.Event, error) {
	if err := db.Check(s.conn); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "eventstore.find_by_aggregate_id",
		trace.WithAttributes(attribute.String("aggregate.id", id.String())),
	)
	defer span.End()

	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE aggregate_id = $1
		ORDER BY created_at ASC
	`, Columns, s.table), id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	events := []aggregate.Event{}
	for rows.Next() {
		e, err := ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// ScanEvent reads one row selected with Columns.
func ScanEvent(row pgx.Row) (aggregate.Event, error) {
	var (
		e         aggregate.Event
		data      []byte
		metadata  []byte
		createdAt time.Time
	)
	if err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateName, &e.Type, &data, &metadata, &createdAt, &e.CreatedBy); err != nil {
		return aggregate.Event{}, err
	}
	e.CreatedAt = createdAt.UTC()
	e.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return aggregate.Event{}, fmt.Errorf("decode data of event %s: %w", e.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return aggregate.Event{}, fmt.Errorf("decode metadata of event %s: %w", e.ID, err)
		}
	}
	return e, nil
}
