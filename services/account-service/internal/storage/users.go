package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
)

var (
	ErrHardDeleteNotAllowed = errors.New("users cannot be hard deleted; deactivate instead")
	ErrEmailTaken           = errors.New("email already registered in tenant")
	ErrTenantHasUsers       = errors.New("tenant still has users")
)

type userMapper struct{}

func (userMapper) Name() string  { return user.AggregateName }
func (userMapper) Table() string { return "users" }

// Cacheable keeps password hashes out of the shared cache.
func (userMapper) Cacheable() bool { return false }

func (userMapper) Columns() []string {
	return []string{"tenant_id", "email", "display_name", "password_hash", "role", "status"}
}

func (userMapper) Encode(u *user.User) aggregate.Row {
	return aggregate.Row{
		"tenant_id":     u.TenantID(),
		"email":         u.Email(),
		"display_name":  u.DisplayName(),
		"password_hash": u.PasswordHash(),
		"role":          string(u.Role()),
		"status":        string(u.Status()),
	}
}

func (userMapper) Decode() ([]any, func(aggregate.Base) *user.User) {
	var (
		tenantID                                    ident.ID
		email, displayName, passwordHash, role, sts string
	)
	dest := []any{&tenantID, &email, &displayName, &passwordHash, &role, &sts}
	return dest, func(b aggregate.Base) *user.User {
		return user.Restore(b, tenantID, email, displayName, passwordHash, user.Role(role), user.Status(sts))
	}
}

// UserRepository keeps the user_emails side table, which enforces one active
// user per email and tenant, in step with every save.
type UserRepository struct {
	base *repository.Repository[*user.User]
	conn db.Conn
}

func NewUserRepository(conn db.Conn, events repository.EventAppender, opts ...repository.Option) *UserRepository {
	return &UserRepository{
		base: repository.New[*user.User](conn, events, userMapper{}, opts...),
		conn: conn,
	}
}

func (r *UserRepository) Save(ctx context.Context, u *user.User, afterWrite ...repository.TxFunc) error {
	fns := append([]repository.TxFunc{syncEmail(u)}, afterWrite...)
	return r.base.Save(ctx, u, fns...)
}

func (r *UserRepository) FindByID(ctx context.Context, id ident.ID) (*user.User, bool, error) {
	return r.base.FindByID(ctx, id)
}

// Refresh reads the row from the database.
func (r *UserRepository) Refresh(ctx context.Context, id ident.ID) (*user.User, bool, error) {
	return r.base.Refresh(ctx, id)
}

// Delete always fails: users are deactivated and saved instead.
func (r *UserRepository) Delete(context.Context, *user.User, ...repository.TxFunc) error {
	return ErrHardDeleteNotAllowed
}

// FindIDByEmail resolves an active user's id within a tenant.
func (r *UserRepository) FindIDByEmail(ctx context.Context, tenantID ident.ID, email string) (ident.ID, bool, error) {
	if err := db.Check(r.conn); err != nil {
		return ident.ID{}, false, err
	}
	var id ident.ID
	err := r.conn.QueryRow(ctx, `
		SELECT user_id
		FROM user_emails
		WHERE tenant_id = $1 AND email = $2
	`, tenantID, email).Scan(&id)
	if db.IsNotFound(err) {
		return ident.ID{}, false, nil
	}
	if err != nil {
		return ident.ID{}, false, err
	}
	return id, true, nil
}

func syncEmail(u *user.User) repository.TxFunc {
	return func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM user_emails
			WHERE user_id = $1
		`, u.ID()); err != nil {
			return err
		}
		if !u.Active() {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_emails (tenant_id, email, user_id)
			VALUES ($1, $2, $3)
		`, u.TenantID(), u.Email(), u.ID())
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%s: %w", u.Email(), ErrEmailTaken)
		}
		return err
	}
}
