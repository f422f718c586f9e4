// Package user is the user aggregate. Users belong to exactly one tenant and
// are never hard deleted; Deactivate is the terminal state.
package user

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"golang.org/x/crypto/bcrypt"
)

const AggregateName = "user"

const (
	EventRegistered      = "user.registered"
	EventEmailChanged    = "user.email_changed"
	EventPasswordChanged = "user.password_changed"
	EventRoleChanged     = "user.role_changed"
	EventDeactivated     = "user.deactivated"
)

// Events lists every event type the aggregate emits.
var Events = []string{EventRegistered, EventEmailChanged, EventPasswordChanged, EventRoleChanged, EventDeactivated}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

const MinPasswordLength = 8

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidRole     = errors.New("invalid role")
	ErrWeakPassword    = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrWrongPassword   = errors.New("wrong password")
	ErrDeactivated     = errors.New("user is deactivated")
	ErrMissingTenantID = errors.New("tenant id is required")
)

// HashCost is the bcrypt cost for new hashes.
var HashCost = bcrypt.DefaultCost

type User struct {
	aggregate.Base
	tenantID     ident.ID
	email        string
	displayName  string
	passwordHash string
	role         Role
	status       Status
}

// Register creates an active user. The password is only kept as a bcrypt hash
// and never appears in event data.
func Register(tenantID ident.ID, email, displayName, password string, role Role, createdBy *ident.ID) (*User, error) {
	if tenantID.IsZero() {
		return nil, ErrMissingTenantID
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Base:         aggregate.NewBase(AggregateName, ident.New(), createdBy),
		tenantID:     tenantID,
		email:        email,
		displayName:  strings.TrimSpace(displayName),
		passwordHash: hash,
		role:         role,
		status:       StatusActive,
	}
	u.RegisterEvent(EventRegistered, map[string]any{
		"tenant_id":    tenantID.String(),
		"email":        email,
		"display_name": u.displayName,
		"role":         string(role),
	}, nil)
	return u, nil
}

// Restore rebuilds a user loaded from storage.
func Restore(base aggregate.Base, tenantID ident.ID, email, displayName, passwordHash string, role Role, status Status) *User {
	return &User{
		Base:         base,
		tenantID:     tenantID,
		email:        email,
		displayName:  displayName,
		passwordHash: passwordHash,
		role:         role,
		status:       status,
	}
}

func (u *User) TenantID() ident.ID   { return u.tenantID }
func (u *User) Email() string        { return u.email }
func (u *User) DisplayName() string  { return u.displayName }
func (u *User) PasswordHash() string { return u.passwordHash }
func (u *User) Role() Role           { return u.role }
func (u *User) Status() Status       { return u.status }
func (u *User) Active() bool         { return u.status == StatusActive }

func (u *User) VerifyPassword(raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(raw)) == nil
}

func (u *User) ChangeEmail(email string) error {
	if !u.Active() {
		return ErrDeactivated
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if email == u.email {
		return nil
	}
	from := u.email
	u.email = email
	u.RegisterEvent(EventEmailChanged, map[string]any{"from": from, "to": email}, nil)
	return nil
}

// ChangePassword requires the current password.
func (u *User) ChangePassword(current, next string) error {
	if !u.Active() {
		return ErrDeactivated
	}
	if !u.VerifyPassword(current) {
		return ErrWrongPassword
	}
	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	u.passwordHash = hash
	u.RegisterEvent(EventPasswordChanged, map[string]any{"email": u.email}, nil)
	return nil
}

func (u *User) ChangeRole(role Role) error {
	if !u.Active() {
		return ErrDeactivated
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	if role == u.role {
		return nil
	}
	from := u.role
	u.role = role
	u.RegisterEvent(EventRoleChanged, map[string]any{"from": string(from), "to": string(role)}, nil)
	return nil
}

func (u *User) Deactivate(reason string) error {
	if !u.Active() {
		return ErrDeactivated
	}
	u.status = StatusDeactivated
	u.RegisterEvent(EventDeactivated, map[string]any{"reason": strings.TrimSpace(reason)}, nil)
	return nil
}

// NormalizeEmail validates a bare address and lowercases it.
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

func hashPassword(raw string) (string, error) {
	if len(raw) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), HashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
