// Package notify holds the account-service event handlers. They run after
// commit, so failures here never undo a state change.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/dispatch"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/email"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
)

var errNoRecipient = errors.New("event carries no email address")

// Welcome greets newly registered users.
func Welcome(sender email.Sender) dispatch.Handler {
	return dispatch.NewHandler("welcome-email", func(ctx context.Context, e aggregate.Event) error {
		to, err := recipient(e, "email")
		if err != nil {
			return err
		}
		name, _ := e.Data["display_name"].(string)
		if name == "" {
			name = to
		}
		return sender.Send(ctx, email.Message{
			To:      to,
			Subject: "Welcome",
			Body:    fmt.Sprintf("Hi %s,\n\nyour account is ready.", name),
		})
	}, user.EventRegistered)
}

// SecurityNotice tells users about credential and address changes. Address
// changes notify the old address.
func SecurityNotice(sender email.Sender) dispatch.Handler {
	return dispatch.NewHandler("security-notice", func(ctx context.Context, e aggregate.Event) error {
		var (
			to      string
			err     error
			subject string
		)
		switch e.Type {
		case user.EventPasswordChanged:
			to, err = recipient(e, "email")
			subject = "Your password was changed"
		case user.EventEmailChanged:
			to, err = recipient(e, "from")
			subject = "Your email address was changed"
		default:
			return nil
		}
		if err != nil {
			return err
		}
		return sender.Send(ctx, email.Message{
			To:      to,
			Subject: subject,
			Body:    fmt.Sprintf("This change was made at %s UTC. If it was not you, contact your administrator.", e.CreatedAt.Format("2006-01-02 15:04")),
		})
	}, user.EventPasswordChanged, user.EventEmailChanged)
}

// Audit writes one structured line per account event.
func Audit(logger *slog.Logger) dispatch.Handler {
	types := append([]string{
		tenant.EventCreated,
		tenant.EventRenamed,
		tenant.EventSuspended,
		tenant.EventReactivated,
		tenant.EventDeleted,
	}, user.Events...)

	return dispatch.NewHandler("audit-log", func(ctx context.Context, e aggregate.Event) error {
		actor := ""
		if e.CreatedBy != nil {
			actor = e.CreatedBy.String()
		}
		logger.InfoContext(ctx, "account event",
			"event_id", e.ID.String(),
			"event_type", e.Type,
			"aggregate_id", e.AggregateID.String(),
			"aggregate_name", e.AggregateName,
			"actor_id", actor,
			"created_at", e.CreatedAt,
		)
		return nil
	}, types...)
}

// Register subscribes every account handler.
func Register(d *dispatch.Dispatcher, sender email.Sender, logger *slog.Logger) error {
	for _, h := range []dispatch.Handler{Welcome(sender), SecurityNotice(sender), Audit(logger)} {
		if err := d.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func recipient(e aggregate.Event, key string) (string, error) {
	to, _ := e.Data[key].(string)
	if to == "" {
		return "", fmt.Errorf("%s %s: %w", e.Type, e.ID, errNoRecipient)
	}
	return to, nil
}
