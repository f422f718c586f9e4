package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/eventstore"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

// Execer is satisfied by db.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ledger tracks which persisted events reached live handlers.
type Ledger interface {
	// FetchUndelivered locks up to limit events created in (after, before)
	// that have no delivery record, oldest first.
	FetchUndelivered(ctx context.Context, tx pgx.Tx, before, after time.Time, limit int) ([]aggregate.Event, error)
	MarkDelivered(ctx context.Context, q Execer, ids []ident.ID) error
}

type Repository struct {
	events     string
	deliveries string
}

func NewRepository() *Repository {
	return &Repository{events: eventstore.DefaultTable, deliveries: "event_deliveries"}
}

func (r *Repository) FetchUndelivered(ctx context.Context, tx pgx.Tx, before, after time.Time, limit int) ([]aggregate.Event, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s e
		LEFT JOIN %s d ON d.event_id = e.id
		WHERE d.event_id IS NULL
			AND e.created_at < $1
			AND e.created_at > $2
		ORDER BY e.created_at ASC
		LIMIT $3
		FOR UPDATE OF e SKIP LOCKED
	`, qualified("e", eventstore.Columns), r.events, r.deliveries), before, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Event
	for rows.Next() {
		e, err := eventstore.ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) MarkDelivered(ctx context.Context, q Execer, ids []ident.ID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("($%d)", i+1)
		args[i] = id
	}
	_, err := q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id)
		VALUES %s
		ON CONFLICT (event_id) DO NOTHING
	`, r.deliveries, strings.Join(placeholders, ", ")), args...)
	return err
}

func qualified(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
