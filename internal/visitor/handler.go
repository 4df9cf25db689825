package visitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/platform/httpx"
	"github.com/veriaccess/veriaccess/internal/shared"
)

// Handler wires HTTP endpoints for visitor management.
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

// MountRoutes registers visitor routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.middleware.Authenticate)

	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/grants", h.handleGrants)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleSecurity, identity.RoleReceptionist))
		r.Post("/{id}/approve", h.handleApprove)
		r.Post("/{id}/deny", h.handleDeny)
		r.Post("/{id}/grants", h.handleIssueGrant)
		r.Post("/{id}/checkout", h.handleCheckout)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireRole(identity.RoleAdministrator))
		r.Delete("/{id}", h.handleDelete)
	})
}

type createVisitorRequest struct {
	FullName   string `json:"full_name" validate:"required"`
	DocumentID string `json:"document_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
	HostUserID int64  `json:"host_user_id,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createVisitorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	// Residents always host their own visitors; staff may register on
	// behalf of another host.
	host := req.HostUserID
	if host == 0 || subject.Role == identity.RoleResident {
		host = subject.UserID
	}

	v, err := h.service.Create(r.Context(), CreateInput{
		FullName:   req.FullName,
		DocumentID: req.DocumentID,
		Phone:      req.Phone,
		HostUserID: host,
		Purpose:    req.Purpose,
	})
	if err != nil {
		if errors.Is(err, ErrMissingDetails) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	// Residents only see their own visitors.
	if subject.Role == identity.RoleResident {
		filter.HostUserID = subject.UserID
	} else if hostID, _ := strconv.ParseInt(r.URL.Query().Get("host_user_id"), 10, 64); hostID > 0 {
		filter.HostUserID = hostID
	}

	visitors, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, visitors)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	v, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.canView(r, v) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.service.Approve)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.service.Deny)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, id int64) (Visitor, error)) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	v, err := decide(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

type issueGrantRequest struct {
	ValidFrom time.Time `json:"valid_from" validate:"required"`
	ValidTo   time.Time `json:"valid_to" validate:"required"`
	ZoneIDs   []int64   `json:"zone_ids" validate:"required,min=1"`
}

func (h *Handler) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	var req issueGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	issued, err := h.service.IssueGrant(r.Context(), id, GrantInput{
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
		ZoneIDs:   req.ZoneIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidWindow):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		case errors.Is(err, ErrNotApproved):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		default:
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, issued)
}

func (h *Handler) handleGrants(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	v, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.canView(r, v) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	grants, err := h.service.Grants(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grants)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	v, err := h.service.Checkout(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.RespondError(w, err)
			return
		}
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid visitor id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrVisitorInside) {
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) canView(r *http.Request, v *Visitor) bool {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		return false
	}
	if subject.Role != identity.RoleResident {
		return true
	}
	return v.HostUserID == subject.UserID
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
