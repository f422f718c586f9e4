package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/auth"
	"github.com/md-rashed-zaman/tenancy/libs/httpx"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/accounts"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/storage"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/tenant"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/user"
)

// ActorHeader carries the id of the operator issuing a command.
const ActorHeader = "X-Actor-Id"

type EventReader interface {
	FindByAggregateID(ctx context.Context, id ident.ID) ([]aggregate.Event, error)
}

type Handler struct {
	svc    *accounts.Service
	events EventReader
	tokens *auth.Signer
}

// New builds the API. With a nil signer login issues no token and the actor
// comes from ActorHeader. With a signer the actor comes from the bearer token
// only and ActorHeader is ignored.
func New(svc *accounts.Service, events EventReader, tokens *auth.Signer) *Handler {
	return &Handler{svc: svc, events: events, tokens: tokens}
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tenants", h.CreateTenant)
	mux.HandleFunc("GET /v1/tenants/{id}", h.GetTenant)
	mux.HandleFunc("DELETE /v1/tenants/{id}", h.DeleteTenant)
	mux.HandleFunc("POST /v1/tenants/{id}/rename", h.RenameTenant)
	mux.HandleFunc("POST /v1/tenants/{id}/suspend", h.SuspendTenant)
	mux.HandleFunc("POST /v1/tenants/{id}/reactivate", h.ReactivateTenant)
	mux.HandleFunc("POST /v1/tenants/{id}/users", h.RegisterUser)
	mux.HandleFunc("POST /v1/tenants/{id}/login", h.Login)
	mux.HandleFunc("GET /v1/users/{id}", h.GetUser)
	mux.HandleFunc("POST /v1/users/{id}/email", h.ChangeUserEmail)
	mux.HandleFunc("POST /v1/users/{id}/password", h.ChangeUserPassword)
	mux.HandleFunc("POST /v1/users/{id}/role", h.ChangeUserRole)
	mux.HandleFunc("POST /v1/users/{id}/deactivate", h.DeactivateUser)
	mux.HandleFunc("GET /v1/aggregates/{id}/events", h.ListEvents)
}

type tenantView struct {
	ID             string     `json:"id"`
	Version        int        `json:"version"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
}

func viewTenant(t *tenant.Tenant) tenantView {
	snap := t.Snapshot()
	return tenantView{
		ID:             t.ID().String(),
		Version:        t.Version(),
		Name:           t.Name(),
		Slug:           t.Slug(),
		Status:         string(t.Status()),
		CreatedAt:      snap.CreatedAt,
		LastModifiedAt: snap.LastModifiedAt,
	}
}

type userView struct {
	ID             string     `json:"id"`
	Version        int        `json:"version"`
	TenantID       string     `json:"tenant_id"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"display_name"`
	Role           string     `json:"role"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
}

func viewUser(u *user.User) userView {
	snap := u.Snapshot()
	return userView{
		ID:             u.ID().String(),
		Version:        u.Version(),
		TenantID:       u.TenantID().String(),
		Email:          u.Email(),
		DisplayName:    u.DisplayName(),
		Role:           string(u.Role()),
		Status:         string(u.Status()),
		CreatedAt:      snap.CreatedAt,
		LastModifiedAt: snap.LastModifiedAt,
	}
}

type eventView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy *string        `json:"created_by,omitempty"`
}

func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if !decode(w, r, &req) {
		return
	}
	actor, ok := h.optionalActor(w, r)
	if !ok {
		return
	}
	t, err := h.svc.CreateTenant(r.Context(), actor, req.Name, req.Slug)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewTenant(t))
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Tenant(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewTenant(t))
}

func (h *Handler) RenameTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	t, err := h.svc.RenameTenant(r.Context(), cmd, req.Name)
	respondTenant(w, t, err)
}

func (h *Handler) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason          string `json:"reason"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	t, err := h.svc.SuspendTenant(r.Context(), cmd, req.Reason)
	respondTenant(w, t, err)
}

func (h *Handler) ReactivateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion *int `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	t, err := h.svc.ReactivateTenant(r.Context(), cmd)
	respondTenant(w, t, err)
}

func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion *int `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	if err := h.svc.DeleteTenant(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
		Role        string `json:"role"`
	}
	if !decode(w, r, &req) {
		return
	}
	actor, ok := h.optionalActor(w, r)
	if !ok {
		return
	}
	role := user.Role(strings.TrimSpace(req.Role))
	if role == "" {
		role = user.RoleMember
	}
	u, err := h.svc.RegisterUser(r.Context(), actor, tenantID, req.Email, req.DisplayName, req.Password, role)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewUser(u))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, err := h.svc.Authenticate(r.Context(), tenantID, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := loginResponse{User: viewUser(u)}
	if h.tokens != nil {
		token, err := h.tokens.Issue(u.ID().String(), u.TenantID().String(), string(u.Role()))
		if err != nil {
			writeError(w, err)
			return
		}
		resp.AccessToken = token
		resp.ExpiresIn = int(h.tokens.TTL().Seconds())
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type loginResponse struct {
	User        userView `json:"user"`
	AccessToken string   `json:"access_token,omitempty"`
	ExpiresIn   int      `json:"expires_in,omitempty"`
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.User(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewUser(u))
}

func (h *Handler) ChangeUserEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	u, err := h.svc.ChangeUserEmail(r.Context(), cmd, req.Email)
	respondUser(w, u, err)
}

func (h *Handler) ChangeUserPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current         string `json:"current_password"`
		Next            string `json:"new_password"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	u, err := h.svc.ChangeUserPassword(r.Context(), cmd, req.Current, req.Next)
	respondUser(w, u, err)
}

func (h *Handler) ChangeUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role            string `json:"role"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	u, err := h.svc.ChangeUserRole(r.Context(), cmd, user.Role(strings.TrimSpace(req.Role)))
	respondUser(w, u, err)
}

func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason          string `json:"reason"`
		ExpectedVersion *int   `json:"expected_version"`
	}
	cmd, ok := h.command(w, r, &req, func() *int { return req.ExpectedVersion })
	if !ok {
		return
	}
	u, err := h.svc.DeactivateUser(r.Context(), cmd, req.Reason)
	respondUser(w, u, err)
}

// ListEvents returns the stored history of any aggregate, oldest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := h.events.FindByAggregateID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{
			ID:        e.ID.String(),
			Type:      e.Type,
			Data:      e.Data,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
		if e.CreatedBy != nil {
			by := e.CreatedBy.String()
			v.CreatedBy = &by
		}
		out = append(out, v)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func respondTenant(w http.ResponseWriter, t *tenant.Tenant, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewTenant(t))
}

func respondUser(w http.ResponseWriter, u *user.User, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewUser(u))
}

// command parses the path id, the actor header and an optional JSON body.
func (h *Handler) command(w http.ResponseWriter, r *http.Request, body any, expected func() *int) (accounts.Command, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return accounts.Command{}, false
	}
	actor, ok := h.requiredActor(w, r)
	if !ok {
		return accounts.Command{}, false
	}
	if r.ContentLength != 0 && !decode(w, r, body) {
		return accounts.Command{}, false
	}
	return accounts.Command{ID: id, Actor: actor, ExpectedVersion: expected()}, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		httpx.WriteErrorStatus(w, http.StatusBadRequest, errors.New("invalid json body"))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (ident.ID, bool) {
	id, err := ident.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, err)
		return ident.ID{}, false
	}
	return id, true
}

// requiredActor reads ActorHeader, or only the bearer token once a signer is
// configured.
func (h *Handler) requiredActor(w http.ResponseWriter, r *http.Request) (ident.ID, bool) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if h.tokens != nil {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteErrorStatus(w, http.StatusUnauthorized, auth.ErrMissingToken)
			return ident.ID{}, false
		}
		claims, err := h.tokens.Verify(token)
		if err != nil {
			httpx.WriteErrorStatus(w, http.StatusUnauthorized, auth.ErrInvalidToken)
			return ident.ID{}, false
		}
		raw = claims.Subject
	}
	if raw == "" {
		httpx.WriteErrorStatus(w, http.StatusBadRequest, errors.New("missing "+ActorHeader))
		return ident.ID{}, false
	}
	id, err := ident.Parse(raw)
	if err != nil {
		httpx.WriteError(w, err)
		return ident.ID{}, false
	}
	return id, true
}

func (h *Handler) optionalActor(w http.ResponseWriter, r *http.Request) (*ident.ID, bool) {
	anonymous := r.Header.Get("Authorization") == ""
	if h.tokens == nil {
		anonymous = anonymous && strings.TrimSpace(r.Header.Get(ActorHeader)) == ""
	}
	if anonymous {
		return nil, true
	}
	id, ok := h.requiredActor(w, r)
	if !ok {
		return nil, false
	}
	return &id, true
}

func writeError(w http.ResponseWriter, err error) {
	httpx.WriteErrorStatus(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, accounts.ErrTenantNotFound), errors.Is(err, accounts.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, user.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, accounts.ErrSlugTaken),
		errors.Is(err, storage.ErrEmailTaken),
		errors.Is(err, storage.ErrTenantHasUsers),
		errors.Is(err, accounts.ErrTenantInactive),
		errors.Is(err, tenant.ErrInvalidTransition),
		errors.Is(err, user.ErrDeactivated):
		return http.StatusConflict
	case errors.Is(err, tenant.ErrInvalidName),
		errors.Is(err, tenant.ErrInvalidSlug),
		errors.Is(err, user.ErrInvalidEmail),
		errors.Is(err, user.ErrInvalidRole),
		errors.Is(err, user.ErrWeakPassword),
		errors.Is(err, user.ErrMissingTenantID):
		return http.StatusUnprocessableEntity
	}
	return httpx.StatusFor(err)
}
