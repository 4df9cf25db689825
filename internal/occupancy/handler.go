package occupancy

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the building occupancy dashboard.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	middleware identity.Middleware
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw identity.Middleware) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		middleware: mw,
		validator:  validator.New(),
	}
}

// MountRoutes registers occupancy routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.middleware.Authenticate)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleSecurity, identity.RoleReceptionist))
		r.Get("/building", h.handleCurrent)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleAdministrator))
		r.Put("/building/residents", h.handleUpdateResidents)
		r.Put("/building/capacity", h.handleUpdateCapacity)
	})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Current(r.Context())
	if err != nil {
		h.logger.Error("occupancy snapshot", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

type updateCountRequest struct {
	Count int `json:"count" validate:"gte=0"`
}

func (h *Handler) handleUpdateResidents(w http.ResponseWriter, r *http.Request) {
	var req updateCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	snap, err := h.service.UpdateResidents(r.Context(), req.Count)
	if err != nil {
		if errors.Is(err, ErrInvalidCount) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) handleUpdateCapacity(w http.ResponseWriter, r *http.Request) {
	var req updateCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	snap, err := h.service.UpdateMaxCapacity(r.Context(), req.Count)
	if err != nil {
		if errors.Is(err, ErrInvalidCount) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}
