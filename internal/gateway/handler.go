// Package gateway exposes the session surface to console pages over HTTP.
// Pages read the session snapshot and invoke the four session operations;
// they own all user-visible rendering of the returned problems.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/nimbus-cloud/nimbus-console/internal/platform/httpx"
	"github.com/nimbus-cloud/nimbus-console/internal/session"
)

// Handler wires HTTP endpoints for the session lifecycle.
type Handler struct {
	logger    *slog.Logger
	manager   *session.Manager
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, manager *session.Manager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		manager:   manager,
		validator: validator.New(),
	}
}

// MountRoutes registers session routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session", h.getSession)
	r.Group(func(r chi.Router) {
		// Login gets a tighter limit than the global stack.
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/session/login", h.handleLogin)
	})
	r.Post("/session/logout", h.handleLogout)
	r.Post("/session/tenant", h.handleSwitchTenant)
	r.Get("/session/permissions/{name}", h.checkPermission)
	r.Get("/connection", h.checkConnection)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

type permissionResponse struct {
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

type connectionResponse struct {
	Connected bool `json:"connected"`
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.manager.Snapshot())
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, validationDetail(err)))
		return
	}
	if err := h.manager.Login(r.Context(), req.Email, req.Password); err != nil {
		h.logger.Warn("login failed", slog.String("email", req.Email), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.manager.Snapshot())
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.manager.Logout(r.Context())
	httpx.NoContent(w)
}

func (h *Handler) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	var req switchTenantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, validationDetail(err)))
		return
	}
	if err := h.manager.SwitchTenant(r.Context(), req.TenantID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.manager.Snapshot())
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	httpx.JSON(w, http.StatusOK, permissionResponse{
		Permission: name,
		Granted:    h.manager.HasPermission(name),
	})
}

func (h *Handler) checkConnection(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, connectionResponse{
		Connected: h.manager.CheckServerConnection(r.Context()),
	})
}

func validationDetail(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	detail := ""
	for i, fieldErr := range verrs {
		if i > 0 {
			detail += "; "
		}
		detail += fieldErr.Field() + " is invalid"
	}
	return detail
}
