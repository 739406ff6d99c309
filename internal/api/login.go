package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/akulov/nbhub/internal/auth"
	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/session"
	"github.com/akulov/nbhub/internal/store"
	"github.com/go-chi/chi/v5"
)

// LoginHandler verifies credentials against the authenticator and issues
// the hub session cookie. Accounts are provisioned on first login.
type LoginHandler struct {
	repo   store.Repository
	authn  auth.Authenticator
	issuer *session.Issuer
}

// NewLoginHandler creates the login handler.
func NewLoginHandler(repo store.Repository, authn auth.Authenticator, issuer *session.Issuer) *LoginHandler {
	return &LoginHandler{repo: repo, authn: authn, issuer: issuer}
}

// RegisterRoutes registers the login route.
func (h *LoginHandler) RegisterRoutes(r chi.Router) {
	r.Post("/hub/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a user and sets the session cookie.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid login payload")
		return
	}

	name, err := h.authn.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			Error(w, http.StatusForbidden, "invalid username or password")
			return
		}
		slog.Error("Authenticator failed during login", "user", req.Username, "error", err)
		Error(w, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	user, err := h.repo.FindByName(r.Context(), name)
	if err != nil {
		slog.Error("Failed to look up user during login", "user", name, "error", err)
		Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil {
		// First login provisions the account.
		now := time.Now()
		user = &domain.User{
			Name:         name,
			LastActivity: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := h.repo.Create(r.Context(), user); err != nil {
			slog.Error("Failed to provision user on first login", "user", name, "error", err)
			Error(w, http.StatusInternalServerError, "login failed")
			return
		}
		slog.Info("User provisioned on first login", "user", name)
	}

	if err := h.repo.TouchActivity(r.Context(), name, time.Now()); err != nil {
		slog.Warn("Failed to update last activity on login", "user", name, "error", err)
	}

	if err := h.issuer.IssueSession(w, user); err != nil {
		slog.Error("Failed to issue session cookie", "user", name, "error", err)
		Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"name": user.Name})
}
