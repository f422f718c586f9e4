//go:build integration

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/eventstore"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/relay"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
	"github.com/md-rashed-zaman/tenancy/services/account-service/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *db.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tenancy",
				"POSTGRES_PASSWORD": "tenancy",
				"POSTGRES_DB":       "tenancy",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	pool, err := db.Open(ctx, "postgres://tenancy:tenancy@"+endpoint+"/tenancy?sslmode=disable", db.Options{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, eventstore.Schema)
	require.NoError(t, err)
	ddl, err := migrations.FS.ReadFile("0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(ddl))
	require.NoError(t, err)
	return pool
}

func TestConcurrentSavesExactlyOneWins(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	repo := NewTenantRepository(pool, events)

	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, tn))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts []*aggregate.ConflictError
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := repo.FindByID(ctx, tn.ID())
			if err != nil {
				t.Error(err)
				return
			}
			if err := got.PrepareUpdate(ident.New(), aggregate.ExpectVersion(0)); err != nil {
				t.Error(err)
				return
			}
			_ = got.Rename("Acme " + string(rune('A'+i)))
			err = repo.Save(ctx, got)
			mu.Lock()
			defer mu.Unlock()
			var conflict *aggregate.ConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts = append(conflicts, conflict)
			default:
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, conflicts, writers-1)
	for _, c := range conflicts {
		require.Equal(t, 0, c.Expected)
		require.NotNil(t, c.Actual)
		require.Equal(t, 1, *c.Actual)
	}

	history, err := events.FindByAggregateID(ctx, tn.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, tenant.EventCreated, history[0].Type)
	require.Equal(t, tenant.EventRenamed, history[1].Type)
}

func TestUserEmailUniquenessAndFKGuard(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	tenants := NewTenantRepository(pool, events)
	users := NewUserRepository(pool, events)

	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	require.NoError(t, tenants.Save(ctx, tn))

	u, err := user.Register(tn.ID(), "ada@example.com", "Ada", "password123", user.RoleOwner, nil)
	require.NoError(t, err)
	require.NoError(t, users.Save(ctx, u))

	twin, err := user.Register(tn.ID(), "ada@example.com", "Twin", "password123", user.RoleMember, nil)
	require.NoError(t, err)
	require.ErrorIs(t, users.Save(ctx, twin), ErrEmailTaken)
	_, found, err := users.FindByID(ctx, twin.ID())
	require.NoError(t, err)
	require.False(t, found)

	id, found, err := users.FindIDByEmail(ctx, tn.ID(), "ada@example.com")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, u.ID(), id)

	got, _, err := tenants.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	got.MarkDeleted()
	require.ErrorIs(t, tenants.Delete(ctx, got), ErrTenantHasUsers)

	history, err := events.FindByAggregateID(ctx, tn.ID())
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRelayFindsUndeliveredEvents(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	repo := NewTenantRepository(pool, events)
	ledger := relay.NewRepository()

	first, err := tenant.New("One", "one", nil)
	require.NoError(t, err)
	second, err := tenant.New("Two", "two", nil)
	require.NoError(t, err)
	firstEvents := first.Events()
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	require.NoError(t, ledger.MarkDelivered(ctx, pool, []ident.ID{firstEvents[0].ID}))
	require.NoError(t, ledger.MarkDelivered(ctx, pool, []ident.ID{firstEvents[0].ID}))

	err = db.InTx(ctx, pool, func(tx pgx.Tx) error {
		pending, err := ledger.FetchUndelivered(ctx, tx, time.Now().Add(time.Minute), time.Now().Add(-time.Hour), 10)
		if err != nil {
			return err
		}
		require.Len(t, pending, 1)
		require.Equal(t, second.ID(), pending[0].AggregateID)
		return nil
	})
	require.NoError(t, err)
}

func TestTenantRoundTripAndDelete(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	repo := NewTenantRepository(pool, events)

	op := ident.New()
	tn, err := tenant.New("Acme", "acme", &op)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, tn))

	got, found, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Acme", got.Name())
	require.Equal(t, tenant.StatusActive, got.Status())
	require.Equal(t, op, *got.CreatedBy())

	require.NoError(t, got.PrepareUpdate(op, aggregate.ExpectVersion(0)))
	require.NoError(t, got.Suspend("billing"))
	require.NoError(t, repo.Save(ctx, got))

	again, _, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.Equal(t, 1, again.Version())
	require.Equal(t, tenant.StatusSuspended, again.Status())

	again.MarkDeleted()
	require.NoError(t, repo.Delete(ctx, again))
	_, found, err = repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.False(t, found)

	history, err := events.FindByAggregateID(ctx, tn.ID())
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, tenant.EventDeleted, history[2].Type)
}

func TestFailedCallbackLeavesNoTrace(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	repo := NewTenantRepository(pool, events)

	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	boom := errors.New("quota exceeded")
	err = repo.Save(ctx, tn, func(context.Context, pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)

	_, found, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.False(t, found)
	history, err := events.FindByAggregateID(ctx, tn.ID())
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestDeleteAtLosesToConcurrentRename(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewTenantRepository(pool, eventstore.New(pool))

	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, tn))

	stale, _, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)

	writer, _, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.NoError(t, writer.PrepareUpdate(ident.New(), aggregate.ExpectVersion(0)))
	require.NoError(t, writer.Rename("Acme Two"))
	require.NoError(t, repo.Save(ctx, writer))

	stale.MarkDeleted()
	err = repo.DeleteAt(ctx, stale, 0)
	var conflict *aggregate.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, 0, conflict.Expected)
	require.Equal(t, 1, *conflict.Actual)

	got, found, err := repo.FindByID(ctx, tn.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Acme Two", got.Name())

	got.MarkDeleted()
	require.NoError(t, repo.DeleteAt(ctx, got, 1))
}

func TestEmailIndexFollowsChangesAndDeactivation(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := eventstore.New(pool)
	tenants := NewTenantRepository(pool, events)
	users := NewUserRepository(pool, events)

	tn, err := tenant.New("Acme", "acme", nil)
	require.NoError(t, err)
	require.NoError(t, tenants.Save(ctx, tn))
	u, err := user.Register(tn.ID(), "ada@example.com", "Ada", "password123", user.RoleOwner, nil)
	require.NoError(t, err)
	require.NoError(t, users.Save(ctx, u))

	loaded, _, err := users.FindByID(ctx, u.ID())
	require.NoError(t, err)
	require.True(t, loaded.VerifyPassword("password123"))
	require.NoError(t, loaded.PrepareUpdate(ident.New(), aggregate.ExpectVersion(0)))
	require.NoError(t, loaded.ChangeEmail("ada@lovelace.dev"))
	require.NoError(t, users.Save(ctx, loaded))

	_, found, err := users.FindIDByEmail(ctx, tn.ID(), "ada@example.com")
	require.NoError(t, err)
	require.False(t, found)
	id, found, err := users.FindIDByEmail(ctx, tn.ID(), "ada@lovelace.dev")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, u.ID(), id)

	require.NoError(t, loaded.PrepareUpdate(ident.New(), aggregate.ExpectVersion(1)))
	require.NoError(t, loaded.Deactivate("left"))
	require.NoError(t, users.Save(ctx, loaded))
	_, found, err = users.FindIDByEmail(ctx, tn.ID(), "ada@lovelace.dev")
	require.NoError(t, err)
	require.False(t, found)

	again, err := user.Register(tn.ID(), "ada@lovelace.dev", "Ada", "password123", user.RoleMember, nil)
	require.NoError(t, err)
	require.NoError(t, users.Save(ctx, again))
}
