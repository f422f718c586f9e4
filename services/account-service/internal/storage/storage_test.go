package storage

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/eventstore"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	user.HashCost = bcrypt.MinCost
	m.Run()
}

var (
	insertUser     = regexp.QuoteMeta("INSERT INTO users (id, version, created_at, last_modified_at, created_by, last_modified_by, tenant_id, email, display_name, password_hash, role, status)")
	updateUser     = `(?s)UPDATE users\s+SET .*WHERE id = \$\d+ AND version = \$\d+`
	selectUser     = `(?s)SELECT id, version, created_at, last_modified_at, created_by, last_modified_by, tenant_id, email, display_name, password_hash, role, status\s+FROM users\s+WHERE id = \$1`
	insertTenant   = regexp.QuoteMeta("INSERT INTO tenants (")
	deleteTenant   = `(?s)DELETE FROM tenants\s+WHERE id = \$1\s*$`
	deleteTenantAt = `(?s)DELETE FROM tenants\s+WHERE id = \$1 AND version = \$2`
	insertEvents   = regexp.QuoteMeta("INSERT INTO domain_events (" + eventstore.Columns + ")")
	clearEmail     = `(?s)DELETE FROM user_emails\s+WHERE user_id = \$1`
	claimEmail     = `(?s)INSERT INTO user_emails \(tenant_id, email, user_id\)\s+VALUES \(\$1, \$2, \$3\)`
	lookupEmail    = `(?s)SELECT user_id\s+FROM user_emails\s+WHERE tenant_id = \$1 AND email = \$2`

	userColumns = []string{"id", "version", "created_at", "last_modified_at", "created_by", "last_modified_by", "tenant_id", "email", "display_name", "password_hash", "role", "status"}
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func newUser(t *testing.T, tenantID ident.ID, email string) *user.User {
	t.Helper()
	u, err := user.Register(tenantID, email, "Ada", "password123", user.RoleMember, nil)
	require.NoError(t, err)
	return u
}

func newTenant(t *testing.T) *tenant.Tenant {
	t.Helper()
	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	return tn
}

func userRows(u *user.User) *pgxmock.Rows {
	s := u.Snapshot()
	return pgxmock.NewRows(userColumns).AddRow(
		s.ID, s.Version, s.CreatedAt, s.LastModifiedAt, s.CreatedBy, s.LastModifiedBy,
		u.TenantID(), u.Email(), u.DisplayName(), u.PasswordHash(), string(u.Role()), string(u.Status()),
	)
}

// recordingCache counts every write it receives.
type recordingCache struct {
	mu     sync.Mutex
	writes int
}

func (c *recordingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) Store(context.Context, string, int, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return nil
}

func (c *recordingCache) Invalidate(context.Context, string, int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return nil
}

func TestUserSaveClaimsEmailInTransaction(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	tenantID := ident.New()
	u := newUser(t, tenantID, "Ada@Example.com")

	mock.ExpectBegin()
	mock.ExpectExec(insertUser).
		WithArgs(u.ID(), 0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			tenantID, "ada@example.com", "Ada", u.PasswordHash(), "member", "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insertEvents).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(clearEmail).WithArgs(u.ID()).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(claimEmail).WithArgs(tenantID, "ada@example.com", u.ID()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), u))
	require.Empty(t, u.Events())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserEmailTakenRollsBack(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	u := newUser(t, ident.New(), "ada@example.com")

	mock.ExpectBegin()
	mock.ExpectExec(insertUser).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insertEvents).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(clearEmail).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(claimEmail).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "user_emails_pkey"})
	mock.ExpectRollback()

	err := repo.Save(context.Background(), u)
	require.ErrorIs(t, err, ErrEmailTaken)
	require.Contains(t, err.Error(), "ada@example.com")
	require.Len(t, u.Events(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivationReleasesEmail(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	stored := newUser(t, ident.New(), "ada@example.com")
	u := user.Restore(aggregate.Restore(user.AggregateName, stored.Snapshot()),
		stored.TenantID(), stored.Email(), stored.DisplayName(), stored.PasswordHash(), stored.Role(), stored.Status())

	require.NoError(t, u.PrepareUpdate(ident.New(), aggregate.ExpectVersion(0)))
	require.NoError(t, u.Deactivate("left"))

	mock.ExpectBegin()
	mock.ExpectExec(updateUser).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(insertEvents).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(clearEmail).WithArgs(u.ID()).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), u))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRowDecodes(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	stored := newUser(t, ident.New(), "ada@example.com")
	mock.ExpectQuery(selectUser).WithArgs(stored.ID()).WillReturnRows(userRows(stored))

	got, found, err := repo.FindByID(context.Background(), stored.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, stored.TenantID(), got.TenantID())
	require.Equal(t, "ada@example.com", got.Email())
	require.Equal(t, user.RoleMember, got.Role())
	require.True(t, got.Active())
	require.True(t, got.VerifyPassword("password123"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersAreNeverCached(t *testing.T) {
	mock := newMock(t)
	cache := &recordingCache{}
	repo := NewUserRepository(mock, eventstore.New(mock), repository.WithCache(cache))
	stored := newUser(t, ident.New(), "ada@example.com")
	mock.ExpectQuery(selectUser).WithArgs(stored.ID()).WillReturnRows(userRows(stored))
	mock.ExpectQuery(selectUser).WithArgs(stored.ID()).WillReturnRows(userRows(stored))

	_, found, err := repo.FindByID(context.Background(), stored.ID())
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = repo.Refresh(context.Background(), stored.ID())
	require.NoError(t, err)
	require.True(t, found)

	require.Zero(t, cache.writes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserHardDeleteRefused(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))

	require.ErrorIs(t, repo.Delete(context.Background(), newUser(t, ident.New(), "ada@example.com")), ErrHardDeleteNotAllowed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIDByEmail(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	tenantID, userID := ident.New(), ident.New()

	mock.ExpectQuery(lookupEmail).WithArgs(tenantID, "ada@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(userID))
	mock.ExpectQuery(lookupEmail).WithArgs(tenantID, "bob@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}))

	id, found, err := repo.FindIDByEmail(context.Background(), tenantID, "ada@example.com")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, userID, id)

	_, found, err = repo.FindIDByEmail(context.Background(), tenantID, "bob@example.com")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIDByEmailQueryError(t *testing.T) {
	mock := newMock(t)
	repo := NewUserRepository(mock, eventstore.New(mock))
	boom := errors.New("connection reset")
	mock.ExpectQuery(lookupEmail).WillReturnError(boom)

	_, found, err := repo.FindIDByEmail(context.Background(), ident.New(), "ada@example.com")
	require.ErrorIs(t, err, boom)
	require.False(t, found)
}

func TestDuplicateSlugIsUniqueViolation(t *testing.T) {
	mock := newMock(t)
	repo := NewTenantRepository(mock, eventstore.New(mock))

	mock.ExpectBegin()
	mock.ExpectExec(insertTenant).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "tenants_slug_key"})
	mock.ExpectRollback()

	var pgErr *pgconn.PgError
	require.ErrorAs(t, repo.Save(context.Background(), newTenant(t)), &pgErr)
	require.Equal(t, "23505", pgErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantDeleteWithUsers(t *testing.T) {
	mock := newMock(t)
	repo := NewTenantRepository(mock, eventstore.New(mock))
	tn := newTenant(t)
	tn.ClearEvents()
	tn.MarkDeleted()

	mock.ExpectBegin()
	mock.ExpectExec(deleteTenant).WithArgs(tn.ID()).WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	require.ErrorIs(t, repo.Delete(context.Background(), tn), ErrTenantHasUsers)
	require.Len(t, tn.Events(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantDeleteAtWithUsers(t *testing.T) {
	mock := newMock(t)
	repo := NewTenantRepository(mock, eventstore.New(mock))
	tn := newTenant(t)
	tn.ClearEvents()
	tn.MarkDeleted()

	mock.ExpectBegin()
	mock.ExpectExec(deleteTenantAt).WithArgs(tn.ID(), 0).WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	require.ErrorIs(t, repo.DeleteAt(context.Background(), tn, 0), ErrTenantHasUsers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantDeleteAtWritesEvent(t *testing.T) {
	mock := newMock(t)
	repo := NewTenantRepository(mock, eventstore.New(mock))
	tn := newTenant(t)
	tn.ClearEvents()
	tn.MarkDeleted()

	mock.ExpectBegin()
	mock.ExpectExec(deleteTenantAt).WithArgs(tn.ID(), 0).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(insertEvents).
		WithArgs(pgxmock.AnyArg(), tn.ID(), tenant.AggregateName, tenant.EventDeleted,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteAt(context.Background(), tn, 0))
	require.Empty(t, tn.Events())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRowDecodes(t *testing.T) {
	mock := newMock(t)
	repo := NewTenantRepository(mock, eventstore.New(mock))
	op := ident.New()
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := ident.New()

	mock.ExpectQuery(`(?s)SELECT id, version, created_at, last_modified_at, created_by, last_modified_by, name, slug, status\s+FROM tenants`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "version", "created_at", "last_modified_at", "created_by", "last_modified_by", "name", "slug", "status"}).
			AddRow(id, 3, modified.Add(-time.Hour), &modified, &op, &op, "Acme", "acme", "suspended"))

	got, found, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, got.Version())
	require.Equal(t, "acme", got.Slug())
	require.Equal(t, tenant.StatusSuspended, got.Status())
	require.Equal(t, op, *got.CreatedBy())
	require.NoError(t, mock.ExpectationsWereMet())
}
