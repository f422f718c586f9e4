// Package relay closes the gap between the durable event log and live
// handlers. Publisher records which events were dispatched right after
// commit; Relay periodically picks up committed events that never got that
// record (for example after a crash) and dispatches them. With the relay
// enabled delivery is at least once, so handlers must tolerate duplicates.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/dispatch"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/metrics"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, events []aggregate.Event) dispatch.Report
}

// Publisher dispatches freshly committed events and records the delivery.
type Publisher struct {
	conn       db.Conn
	dispatcher Dispatcher
	ledger     Ledger
	logger     *slog.Logger
}

func NewPublisher(conn db.Conn, d Dispatcher, ledger Ledger, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, dispatcher: d, ledger: ledger, logger: logger}
}

// Publish dispatches events and marks them delivered. Handler failures do not
// prevent the mark; a failed mark only means the relay will deliver again.
func (p *Publisher) Publish(ctx context.Context, events []aggregate.Event) dispatch.Report {
	report := p.dispatcher.Dispatch(ctx, events)
	if len(events) == 0 {
		return report
	}
	if err := db.Check(p.conn); err != nil {
		return report
	}
	if err := p.ledger.MarkDelivered(ctx, p.conn, ids(events)); err != nil {
		p.logger.WarnContext(ctx, "delivery record failed", "events", len(events), "err", err)
	}
	return report
}

type Config struct {
	PollEvery time.Duration
	BatchSize int
	// Grace leaves recent events to the Publisher that committed them.
	Grace time.Duration
	// MaxAge stops the relay from resurrecting events older than this.
	MaxAge time.Duration
}

type Relay struct {
	conn       db.Conn
	ledger     Ledger
	dispatcher Dispatcher
	logger     *slog.Logger
	hooks      metrics.Hooks
	cfg        Config
	now        func() time.Time
}

func New(conn db.Conn, ledger Ledger, d Dispatcher, logger *slog.Logger, hooks metrics.Hooks, cfg Config) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		conn:       conn,
		ledger:     ledger,
		dispatcher: d,
		logger:     logger,
		hooks:      metrics.OrNop(hooks),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	if err := db.Check(r.conn); err != nil {
		r.logger.Warn("event relay disabled", "err", err)
		return
	}

	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("event relay batch failed", "err", err)
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

// RunOnce delivers one batch and reports how many events it dispatched.
// Fetch, dispatch and mark share a transaction, so the row locks keep other
// relay instances off the batch until it is recorded.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var n int
	err := db.InTx(ctx, r.conn, func(tx pgx.Tx) error {
		now := r.now().UTC()
		events, err := r.ledger.FetchUndelivered(ctx, tx, now.Add(-r.cfg.Grace), now.Add(-r.cfg.MaxAge), r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		report := r.dispatcher.Dispatch(ctx, events)
		if failed := report.Failed(); len(failed) > 0 {
			r.logger.Warn("redelivered events had handler failures", "events", len(events), "failures", len(failed))
		}
		if err := r.ledger.MarkDelivered(ctx, tx, ids(events)); err != nil {
			return err
		}
		n = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.hooks.EventsRedelivered(n)
		r.logger.Info("redelivered events", "events", n)
	}
	return n, nil
}

func ids(events []aggregate.Event) []ident.ID {
	out := make([]ident.ID, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
