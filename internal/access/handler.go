package access

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

// TokenExtractor normalizes a scanned QR value to its bare token. The
// scanner may deliver either the encoded payload or the token itself.
type TokenExtractor func(raw string) (string, error)

// Handler wires HTTP endpoints for access decisions, points, zones,
// permissions and the audit log.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	middleware identity.Middleware
	extract    TokenExtractor
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw identity.Middleware, extract TokenExtractor) *Handler {
	if extract == nil {
		extract = func(raw string) (string, error) { return raw, nil }
	}
	return &Handler{
		logger:     logger,
		service:    service,
		middleware: mw,
		extract:    extract,
		validator:  validator.New(),
	}
}

// MountAttemptRoutes registers the terminal-facing decision endpoint.
// Terminals authenticate at the network layer, not with user tokens.
func (h *Handler) MountAttemptRoutes(r chi.Router) {
	r.Post("/attempts", h.handleAttempt)
}

// MountRoutes registers the authenticated management routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.middleware.Authenticate)

	r.Get("/check-permission", h.handleCheckPermission)
	r.Get("/permissions/my", h.handleMyPermissions)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleAdministrator))
		r.Post("/permissions", h.handleGrantPermission)
		r.Get("/permissions/user/{id}", h.handleUserPermissions)
		r.Post("/points", h.handleCreatePoint)
		r.Post("/points/{id}/activate", h.handleSetPointActive(true))
		r.Post("/points/{id}/deactivate", h.handleSetPointActive(false))
		r.Post("/zones", h.handleCreateZone)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleSecurity))
		r.Get("/points", h.handleListPoints)
		r.Get("/points/{id}/status", h.handlePointStatus)
		r.Post("/points/{id}/remote-control", h.handleRemoteControl)
		r.Get("/zones", h.handleListZones)
		r.Get("/zones/{id}/status", h.handleZoneStatus)
		r.Get("/logs/recent", h.handleRecentLogs)
		r.Get("/logs/live-feed", h.handleLiveFeed)
	})
}

type attemptRequest struct {
	CardID        string `json:"card_id,omitempty"`
	QRCode        string `json:"qr_code,omitempty"`
	AccessPointID int64  `json:"access_point_id" validate:"required,gt=0"`
	Direction     string `json:"direction" validate:"required,oneof=in out"`
}

func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	attempt := AttemptRequest{
		CardID:    req.CardID,
		PointID:   req.AccessPointID,
		Direction: Direction(req.Direction),
	}
	if req.QRCode != "" {
		token, err := h.extract(req.QRCode)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unreadable qr code")
			return
		}
		attempt.QRToken = token
	}

	decision, err := h.service.AttemptAccess(r.Context(), attempt)
	if err != nil {
		if errors.Is(err, ErrInvalidAttempt) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("access attempt", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID, _ := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	zoneID, _ := strconv.ParseInt(r.URL.Query().Get("zone_id"), 10, 64)
	if zoneID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "zone_id is required")
		return
	}
	// Non-privileged users may only check themselves.
	if userID <= 0 {
		userID = subject.UserID
	}
	if userID != subject.UserID && subject.Role != identity.RoleAdministrator && subject.Role != identity.RoleSecurity {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}

	allowed, err := h.service.CheckPermission(r.Context(), userID, zoneID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"zone_id": zoneID,
		"allowed": allowed,
	})
}

func (h *Handler) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	perms, err := h.service.PermissionsForUser(r.Context(), subject.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	perms, err := h.service.PermissionsForUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

type grantPermissionRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	ZoneID    int64      `json:"zone_id" validate:"required,gt=0"`
	TimeFrom  TimeOfDay  `json:"time_from"`
	TimeTo    TimeOfDay  `json:"time_to"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

func (h *Handler) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.GrantPermission(r.Context(), Permission{
		UserID:    req.UserID,
		ZoneID:    req.ZoneID,
		TimeFrom:  req.TimeFrom,
		TimeTo:    req.TimeTo,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

type createPointRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	MaxCapacity int    `json:"max_capacity" validate:"gte=0"`
}

func (h *Handler) handleCreatePoint(w http.ResponseWriter, r *http.Request) {
	var req createPointRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	point, err := h.service.CreatePoint(r.Context(), AccessPoint{
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		MaxCapacity: req.MaxCapacity,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, point)
}

func (h *Handler) handleListPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.service.ListPoints(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, points)
}

type pointStatusResponse struct {
	AccessPoint
	IsAtCapacity bool `json:"is_at_capacity"`
}

func (h *Handler) handlePointStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid point id")
		return
	}
	point, err := h.service.PointStatus(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pointStatusResponse{AccessPoint: *point, IsAtCapacity: point.AtCapacity()})
}

func (h *Handler) handleSetPointActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid point id")
			return
		}
		point, err := h.service.SetPointActive(r.Context(), id, active)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, point)
	}
}

type remoteControlRequest struct {
	Action string `json:"action" validate:"required,oneof=lock unlock"`
}

func (h *Handler) handleRemoteControl(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid point id")
		return
	}
	var req remoteControlRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.RemoteControl(r.Context(), subject, id, req.Action)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

type createZoneRequest struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	MaxCapacity int     `json:"max_capacity" validate:"gte=0"`
	PointIDs    []int64 `json:"point_ids,omitempty"`
}

func (h *Handler) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	zone, err := h.service.CreateZone(r.Context(), AccessZone{
		Name:        req.Name,
		Description: req.Description,
		MaxCapacity: req.MaxCapacity,
		PointIDs:    req.PointIDs,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, zone)
}

func (h *Handler) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.service.ListZones(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, zones)
}

type zoneStatusResponse struct {
	AccessZone
	IsAtCapacity bool `json:"is_at_capacity"`
}

func (h *Handler) handleZoneStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid zone id")
		return
	}
	zone, err := h.service.ZoneStatus(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, zoneStatusResponse{AccessZone: *zone, IsAtCapacity: zone.AtCapacity()})
}

func (h *Handler) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	userID, _ := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	entries, err := h.service.RecentLogs(r.Context(), LogFilter{Limit: limit, UserID: userID})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	pointID, _ := strconv.ParseInt(r.URL.Query().Get("point_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	entries, err := h.service.RecentLogs(r.Context(), LogFilter{Limit: limit, AccessPointID: pointID})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
