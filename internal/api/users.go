package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/hub"
	"github.com/akulov/nbhub/internal/identity"
	"github.com/akulov/nbhub/internal/session"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds user payloads; they only ever carry two small fields.
const maxBodyBytes = 64 * 1024

// UserHandler maps the user API onto the lifecycle controller.
type UserHandler struct {
	ctrl   *hub.Controller
	issuer *session.Issuer
}

// NewUserHandler creates the user API handler.
func NewUserHandler(ctrl *hub.Controller, issuer *session.Issuer) *UserHandler {
	return &UserHandler{ctrl: ctrl, issuer: issuer}
}

// RegisterRoutes registers the user API routes.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Post("/", h.CreateUser)
			r.Delete("/", h.DeleteUser)
			r.Patch("/", h.UpdateUser)
			r.Post("/server", h.SpawnServer)
			r.Delete("/server", h.StopServer)
			r.Post("/admin-access", h.GrantAdminAccess)
		})
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusBadRequest, "request body too large")
			return nil, false
		}
		Error(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// ListUsers returns every user record. Admin only.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	models, err := h.ctrl.ListUsers(r.Context(), caller)
	if err != nil {
		HubError(w, err)
		return
	}
	JSON(w, http.StatusOK, models)
}

// GetUser returns one user record. Self or admin.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	model, err := h.ctrl.GetUser(r.Context(), caller, chi.URLParam(r, "name"))
	if err != nil {
		HubError(w, err)
		return
	}
	JSON(w, http.StatusOK, model)
}

// CreateUser creates a user account. Admin only.
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	model, err := h.ctrl.CreateUser(r.Context(), caller, chi.URLParam(r, "name"), body)
	if err != nil {
		HubError(w, err)
		return
	}
	JSON(w, http.StatusCreated, model)
}

// DeleteUser removes a user account. Admin only.
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	if err := h.ctrl.DeleteUser(r.Context(), caller, chi.URLParam(r, "name")); err != nil {
		HubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateUser overwrites fields on a user record. Admin only.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	model, err := h.ctrl.UpdateUser(r.Context(), caller, chi.URLParam(r, "name"), body)
	if err != nil {
		HubError(w, err)
		return
	}
	JSON(w, http.StatusOK, model)
}

// SpawnServer starts a user's server: 201 when it came up within the wait
// window, 202 when the spawn is still pending. Self or admin.
func (h *UserHandler) SpawnServer(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	name := chi.URLParam(r, "name")

	pending, err := h.ctrl.SpawnServer(r.Context(), caller, name)
	if err != nil {
		HubError(w, err)
		return
	}
	if pending {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// StopServer stops a user's server: 204 when it stopped within the wait
// window, 202 when the stop is still pending. Self or admin.
func (h *UserHandler) StopServer(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	name := chi.URLParam(r, "name")

	pending, err := h.ctrl.StopServer(r.Context(), caller, name)
	if err != nil {
		HubError(w, err)
		return
	}
	if pending {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cookieGranter binds the session-cookie issuer to the current response.
type cookieGranter struct {
	w      http.ResponseWriter
	issuer *session.Issuer
}

func (g *cookieGranter) Grant(target *domain.User) error {
	return g.issuer.GrantServerAccess(g.w, target)
}

// GrantAdminAccess sets a credential cookie letting the admin caller access
// the target user's running server. Admin only, feature-flagged.
func (h *UserHandler) GrantAdminAccess(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	name := chi.URLParam(r, "name")

	granter := &cookieGranter{w: w, issuer: h.issuer}
	if err := h.ctrl.GrantAdminAccess(r.Context(), caller, name, granter); err != nil {
		HubError(w, err)
		return
	}
	slog.Info("Admin access granted", "user", name)
	w.WriteHeader(http.StatusOK)
}
