package storage

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
)

type tenantMapper struct{}

func (tenantMapper) Name() string      { return tenant.AggregateName }
func (tenantMapper) Table() string     { return "tenants" }
func (tenantMapper) Columns() []string { return []string{"name", "slug", "status"} }

func (tenantMapper) Encode(t *tenant.Tenant) aggregate.Row {
	return aggregate.Row{
		"name":   t.Name(),
		"slug":   t.Slug(),
		"status": string(t.Status()),
	}
}

func (tenantMapper) Decode() ([]any, func(aggregate.Base) *tenant.Tenant) {
	var name, slug, status string
	return []any{&name, &slug, &status}, func(b aggregate.Base) *tenant.Tenant {
		return tenant.Restore(b, name, slug, tenant.Status(status))
	}
}

// TenantRepository allows hard deletes. Callers record tenant.deleted with
// MarkDeleted first so the event outlives the row.
type TenantRepository struct {
	*repository.Repository[*tenant.Tenant]
}

func NewTenantRepository(conn db.Conn, events repository.EventAppender, opts ...repository.Option) *TenantRepository {
	return &TenantRepository{Repository: repository.New[*tenant.Tenant](conn, events, tenantMapper{}, opts...)}
}

// Delete removes the row and persists pending events in one transaction.
func (r *TenantRepository) Delete(ctx context.Context, t *tenant.Tenant, afterWrite ...repository.TxFunc) error {
	return hasUsers(r.Repository.Delete(ctx, t, afterWrite...))
}

// DeleteAt removes the row only while it is still at version.
func (r *TenantRepository) DeleteAt(ctx context.Context, t *tenant.Tenant, version int, afterWrite ...repository.TxFunc) error {
	return hasUsers(r.Repository.DeleteAt(ctx, t, version, afterWrite...))
}

func hasUsers(err error) error {
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: %w", ErrTenantHasUsers, err)
	}
	return err
}
