// Package tenant is the tenant aggregate: the isolation boundary every user
// belongs to.
package tenant

import (
	"errors"
	"regexp"
	"strings"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
)

const AggregateName = "tenant"

const (
	EventCreated     = "tenant.created"
	EventRenamed     = "tenant.renamed"
	EventSuspended   = "tenant.suspended"
	EventReactivated = "tenant.reactivated"
	EventDeleted     = "tenant.deleted"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

var (
	ErrInvalidName       = errors.New("tenant name must be 1-120 characters")
	ErrInvalidSlug       = errors.New("tenant slug must be 3-63 lowercase letters, digits or dashes")
	ErrInvalidTransition = errors.New("tenant status transition not allowed")
)

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

type Tenant struct {
	aggregate.Base
	name   string
	slug   string
	status Status
}

func New(name, slug string, createdBy *ident.ID) (*Tenant, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugRe.MatchString(slug) {
		return nil, ErrInvalidSlug
	}
	t := &Tenant{
		Base:   aggregate.NewBase(AggregateName, ident.New(), createdBy),
		name:   name,
		slug:   slug,
		status: StatusActive,
	}
	t.RegisterEvent(EventCreated, map[string]any{"name": name, "slug": slug}, nil)
	return t, nil
}

// Restore rebuilds a tenant loaded from storage.
func Restore(base aggregate.Base, name, slug string, status Status) *Tenant {
	return &Tenant{Base: base, name: name, slug: slug, status: status}
}

func (t *Tenant) Name() string   { return t.name }
func (t *Tenant) Slug() string   { return t.slug }
func (t *Tenant) Status() Status { return t.status }
func (t *Tenant) Active() bool   { return t.status == StatusActive }

// Rename is a no-op when the name does not change.
func (t *Tenant) Rename(name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if name == t.name {
		return nil
	}
	from := t.name
	t.name = name
	t.RegisterEvent(EventRenamed, map[string]any{"from": from, "to": name}, nil)
	return nil
}

func (t *Tenant) Suspend(reason string) error {
	if t.status != StatusActive {
		return ErrInvalidTransition
	}
	t.status = StatusSuspended
	t.RegisterEvent(EventSuspended, map[string]any{"reason": strings.TrimSpace(reason)}, nil)
	return nil
}

func (t *Tenant) Reactivate() error {
	if t.status != StatusSuspended {
		return ErrInvalidTransition
	}
	t.status = StatusActive
	t.RegisterEvent(EventReactivated, nil, nil)
	return nil
}

// MarkDeleted records the deletion event ahead of a hard delete.
func (t *Tenant) MarkDeleted() {
	t.RegisterEvent(EventDeleted, map[string]any{"slug": t.slug}, nil)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > 120 {
		return "", ErrInvalidName
	}
	return name, nil
}
