// Package accounts is the command side of the account service. Every command
// loads an aggregate, mutates it, saves it and then hands the committed events
// to the publisher. Version conflicts on save are retried from a fresh read
// unless the caller pinned an expected version.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/dispatch"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	otelx "github.com/md-rashed-zaman/tenancy/libs/otel"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrTenantInactive     = errors.New("tenant is not active")
	ErrSlugTaken          = errors.New("tenant slug already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type TenantStore interface {
	Save(ctx context.Context, t *tenant.Tenant, afterWrite ...repository.TxFunc) error
	FindByID(ctx context.Context, id ident.ID) (*tenant.Tenant, bool, error)
	Refresh(ctx context.Context, id ident.ID) (*tenant.Tenant, bool, error)
	Delete(ctx context.Context, t *tenant.Tenant, afterWrite ...repository.TxFunc) error
	// DeleteAt deletes only while the row is still at version.
	DeleteAt(ctx context.Context, t *tenant.Tenant, version int, afterWrite ...repository.TxFunc) error
}

type UserStore interface {
	Save(ctx context.Context, u *user.User, afterWrite ...repository.TxFunc) error
	FindByID(ctx context.Context, id ident.ID) (*user.User, bool, error)
	Refresh(ctx context.Context, id ident.ID) (*user.User, bool, error)
	FindIDByEmail(ctx context.Context, tenantID ident.ID, email string) (ident.ID, bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, events []aggregate.Event) dispatch.Report
}

// Command addresses one existing aggregate.
type Command struct {
	ID    ident.ID
	Actor ident.ID
	// ExpectedVersion, when set, disables conflict retries: a stale caller
	// gets the conflict back.
	ExpectedVersion *int
}

type Service struct {
	tenants    TenantStore
	users      UserStore
	publisher  Publisher
	logger     *slog.Logger
	maxTries   uint
	newBackOff func() backoff.BackOff
}

type Option func(*Service)

// WithMaxTries bounds attempts per command, including the first.
func WithMaxTries(n uint) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Service) {
		if fn != nil {
			s.newBackOff = fn
		}
	}
}

func New(tenants TenantStore, users UserStore, publisher Publisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tenants:   tenants,
		users:     users,
		publisher: publisher,
		logger:    logger,
		maxTries:  5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateTenant(ctx context.Context, actor *ident.ID, name, slug string) (*tenant.Tenant, error) {
	t, err := tenant.New(name, slug, actor)
	if err != nil {
		return nil, err
	}
	t.SetEventMetadata(otelx.TraceMetadata(ctx))
	events := t.Events()
	if err := s.tenants.Save(ctx, t); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", t.Slug(), ErrSlugTaken)
		}
		return nil, err
	}
	s.publish(ctx, events)
	return t, nil
}

func (s *Service) RenameTenant(ctx context.Context, cmd Command, name string) (*tenant.Tenant, error) {
	return update(ctx, s, s.tenants, cmd, ErrTenantNotFound, func(t *tenant.Tenant) error {
		return t.Rename(name)
	})
}

func (s *Service) SuspendTenant(ctx context.Context, cmd Command, reason string) (*tenant.Tenant, error) {
	return update(ctx, s, s.tenants, cmd, ErrTenantNotFound, func(t *tenant.Tenant) error {
		return t.Suspend(reason)
	})
}

func (s *Service) ReactivateTenant(ctx context.Context, cmd Command) (*tenant.Tenant, error) {
	return update(ctx, s, s.tenants, cmd, ErrTenantNotFound, func(t *tenant.Tenant) error {
		return t.Reactivate()
	})
}

// DeleteTenant hard deletes a tenant without users. A pinned version is
// checked by the delete statement itself.
func (s *Service) DeleteTenant(ctx context.Context, cmd Command) error {
	t, found, err := s.tenants.FindByID(ctx, cmd.ID)
	if err != nil {
		return err
	}
	if !found {
		return ErrTenantNotFound
	}
	t.MarkDeleted()
	t.SetEventMetadata(otelx.TraceMetadata(ctx))
	events := t.Events()
	if cmd.ExpectedVersion != nil {
		err = s.tenants.DeleteAt(ctx, t, *cmd.ExpectedVersion)
	} else {
		err = s.tenants.Delete(ctx, t)
	}
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

func (s *Service) RegisterUser(ctx context.Context, actor *ident.ID, tenantID ident.ID, email, displayName, password string, role user.Role) (*user.User, error) {
	t, found, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTenantNotFound
	}
	if !t.Active() {
		return nil, ErrTenantInactive
	}

	u, err := user.Register(tenantID, email, displayName, password, role, actor)
	if err != nil {
		return nil, err
	}
	u.SetEventMetadata(otelx.TraceMetadata(ctx))
	events := u.Events()
	if err := s.users.Save(ctx, u); err != nil {
		return nil, err
	}
	s.publish(ctx, events)
	return u, nil
}

func (s *Service) ChangeUserEmail(ctx context.Context, cmd Command, email string) (*user.User, error) {
	return update(ctx, s, s.users, cmd, ErrUserNotFound, func(u *user.User) error {
		return u.ChangeEmail(email)
	})
}

func (s *Service) ChangeUserPassword(ctx context.Context, cmd Command, current, next string) (*user.User, error) {
	return update(ctx, s, s.users, cmd, ErrUserNotFound, func(u *user.User) error {
		return u.ChangePassword(current, next)
	})
}

func (s *Service) ChangeUserRole(ctx context.Context, cmd Command, role user.Role) (*user.User, error) {
	return update(ctx, s, s.users, cmd, ErrUserNotFound, func(u *user.User) error {
		return u.ChangeRole(role)
	})
}

func (s *Service) DeactivateUser(ctx context.Context, cmd Command, reason string) (*user.User, error) {
	return update(ctx, s, s.users, cmd, ErrUserNotFound, func(u *user.User) error {
		return u.Deactivate(reason)
	})
}

// Authenticate checks a password for an active user of an active tenant. All
// mismatches return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, tenantID ident.ID, email, password string) (*user.User, error) {
	email, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	id, found, err := s.users.FindIDByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidCredentials
	}
	u, found, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found || !u.Active() || !u.VerifyPassword(password) {
		return nil, ErrInvalidCredentials
	}
	t, found, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !found || !t.Active() {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) Tenant(ctx context.Context, id ident.ID) (*tenant.Tenant, error) {
	t, found, err := s.tenants.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

func (s *Service) User(ctx context.Context, id ident.ID) (*user.User, error) {
	u, found, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}
	return u, nil
}

type store[T aggregate.Versioned] interface {
	Save(ctx context.Context, agg T, afterWrite ...repository.TxFunc) error
	FindByID(ctx context.Context, id ident.ID) (T, bool, error)
	Refresh(ctx context.Context, id ident.ID) (T, bool, error)
}

// update runs load, PrepareUpdate, apply and save, retrying the whole cycle
// on version conflicts and transient database errors.
func update[T aggregate.Versioned](ctx context.Context, s *Service, st store[T], cmd Command, notFound error, apply func(T) error) (T, error) {
	var opts []aggregate.UpdateOption
	if cmd.ExpectedVersion != nil {
		opts = append(opts, aggregate.ExpectVersion(*cmd.ExpectedVersion))
	}

	op := func() (T, error) {
		var zero T
		agg, found, err := st.FindByID(ctx, cmd.ID)
		if err != nil {
			return zero, retryable(err)
		}
		if !found {
			return zero, backoff.Permanent(notFound)
		}
		if err := agg.PrepareUpdate(cmd.Actor, opts...); err != nil {
			if !aggregate.IsConflict(err) {
				return zero, backoff.Permanent(err)
			}
			// The cached copy may lag the row; judge the pin on a fresh read.
			if agg, found, err = st.Refresh(ctx, cmd.ID); err != nil {
				return zero, retryable(err)
			}
			if !found {
				return zero, backoff.Permanent(notFound)
			}
			if err := agg.PrepareUpdate(cmd.Actor, opts...); err != nil {
				return zero, backoff.Permanent(err)
			}
		}
		if err := apply(agg); err != nil {
			return zero, backoff.Permanent(err)
		}
		agg.SetEventMetadata(otelx.TraceMetadata(ctx))
		events := agg.Events()
		if err := st.Save(ctx, agg); err != nil {
			return zero, retryable(err)
		}
		s.publish(ctx, events)
		return agg, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.InfoContext(ctx, "retrying command", "aggregate_id", cmd.ID.String(), "wait", wait, "err", err)
		}),
	)
}

func retryable(err error) error {
	if aggregate.IsConflict(err) || db.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *Service) publish(ctx context.Context, events []aggregate.Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	s.publisher.Publish(ctx, events)
}
