package parking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// Handler wires HTTP endpoints for parking areas, vehicles, accesses
// and gate crossings.
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

// MountRoutes registers the authenticated parking routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.middleware.Authenticate)

	r.Get("/areas", h.handleListAreas)
	r.Get("/stats", h.handleStats)
	r.Post("/vehicles", h.handleRegisterVehicle)
	r.Get("/vehicles", h.handleListVehicles)
	r.Get("/vehicles/{id}/access", h.handleVehicleAccesses)
	r.Post("/check-access", h.handleCheckAccess)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleAdministrator))
		r.Post("/areas", h.handleCreateArea)
		r.Post("/access", h.handleGrantAccess)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleSecurity))
		r.Get("/areas/{id}/status", h.handleAreaStatus)
		r.Post("/entries", h.handleCrossing(DirectionIn))
		r.Post("/exits", h.handleCrossing(DirectionOut))
		r.Get("/logs", h.handleLogs)
	})
}

type createAreaRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	MaxCapacity int    `json:"max_capacity" validate:"required,gt=0"`
}

func (h *Handler) handleCreateArea(w http.ResponseWriter, r *http.Request) {
	var req createAreaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	area, err := h.service.CreateArea(r.Context(), Area{
		Name:        req.Name,
		Description: req.Description,
		MaxCapacity: req.MaxCapacity,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, area)
}

func (h *Handler) handleListAreas(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	// Disabled lots are an administrative detail.
	activeOnly := subject.Role != identity.RoleAdministrator ||
		r.URL.Query().Get("active_only") == "true"
	areas, err := h.service.ListAreas(r.Context(), activeOnly)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, areas)
}

type areaStatusResponse struct {
	Area
	Available    int  `json:"available"`
	IsAtCapacity bool `json:"is_at_capacity"`
}

func (h *Handler) handleAreaStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid area id")
		return
	}
	area, err := h.service.AreaStatus(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, areaStatusResponse{
		Area:         *area,
		Available:    area.Available(),
		IsAtCapacity: area.AtCapacity(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

type registerVehicleRequest struct {
	UserID       int64  `json:"user_id,omitempty"`
	LicensePlate string `json:"license_plate" validate:"required"`
	Brand        string `json:"brand,omitempty"`
	Model        string `json:"model,omitempty"`
	Color        string `json:"color,omitempty"`
}

func (h *Handler) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req registerVehicleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	// Only administrators register vehicles for other owners.
	owner := subject.UserID
	if req.UserID > 0 && req.UserID != subject.UserID {
		if subject.Role != identity.RoleAdministrator {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
		owner = req.UserID
	}
	vehicle, err := h.service.RegisterVehicle(r.Context(), Vehicle{
		UserID:       owner,
		LicensePlate: req.LicensePlate,
		Brand:        req.Brand,
		Model:        req.Model,
		Color:        req.Color,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, vehicle)
}

func (h *Handler) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	filter := VehicleFilter{
		LicensePlate: r.URL.Query().Get("license_plate"),
	}
	if privileged(subject) {
		filter.UserID, _ = strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	} else {
		// Residents only see their own vehicles.
		filter.UserID = subject.UserID
	}
	vehicles, err := h.service.ListVehicles(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, vehicles)
}

func (h *Handler) handleVehicleAccesses(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid vehicle id")
		return
	}
	if !privileged(subject) {
		if ok, err := h.ownsVehicle(r, subject.UserID, id); err != nil {
			respondError(w, err)
			return
		} else if !ok {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
	}
	accesses, err := h.service.VehicleAccesses(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accesses)
}

type grantAccessRequest struct {
	VehicleID int64      `json:"vehicle_id" validate:"required,gt=0"`
	AreaID    int64      `json:"area_id" validate:"required,gt=0"`
	ValidFrom time.Time  `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

func (h *Handler) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req grantAccessRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	access, err := h.service.GrantAccess(r.Context(), Access{
		VehicleID: req.VehicleID,
		AreaID:    req.AreaID,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, access)
}

type crossingRequest struct {
	VehicleID int64 `json:"vehicle_id" validate:"required,gt=0"`
	AreaID    int64 `json:"area_id" validate:"required,gt=0"`
}

func (h *Handler) handleCrossing(direction Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req crossingRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		var decision Decision
		var err error
		if direction == DirectionIn {
			decision, err = h.service.RegisterEntry(r.Context(), req.VehicleID, req.AreaID)
		} else {
			decision, err = h.service.RegisterExit(r.Context(), req.VehicleID, req.AreaID)
		}
		if err != nil {
			h.logger.Error("parking crossing", slog.Any("error", err))
			respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, decision)
	}
}

type checkAccessRequest struct {
	VehicleID int64 `json:"vehicle_id" validate:"required,gt=0"`
	AreaID    int64 `json:"area_id" validate:"required,gt=0"`
}

func (h *Handler) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req checkAccessRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !privileged(subject) {
		if ok, err := h.ownsVehicle(r, subject.UserID, req.VehicleID); err != nil {
			respondError(w, err)
			return
		} else if !ok {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
	}
	allowed, err := h.service.CheckAccess(r.Context(), req.VehicleID, req.AreaID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"vehicle_id": req.VehicleID,
		"area_id":    req.AreaID,
		"has_access": allowed,
	})
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	vehicleID, _ := strconv.ParseInt(r.URL.Query().Get("vehicle_id"), 10, 64)
	areaID, _ := strconv.ParseInt(r.URL.Query().Get("area_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.RecentLogs(r.Context(), LogFilter{
		VehicleID: vehicleID,
		AreaID:    areaID,
		Limit:     limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) ownsVehicle(r *http.Request, userID, vehicleID int64) (bool, error) {
	vehicles, err := h.service.ListVehicles(r.Context(), VehicleFilter{UserID: userID})
	if err != nil {
		return false, err
	}
	for _, v := range vehicles {
		if v.ID == vehicleID {
			return true, nil
		}
	}
	return false, nil
}

func privileged(subject identity.Subject) bool {
	return subject.Role == identity.RoleAdministrator || subject.Role == identity.RoleSecurity
}

func respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
