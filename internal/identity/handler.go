package identity

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// Handler wires HTTP endpoints for authentication and card management.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	tokens     *TokenManager
	middleware Middleware
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, tokens *TokenManager, mw Middleware) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		tokens:     tokens,
		middleware: mw,
		validator:  validator.New(),
	}
}

// MountAuthRoutes registers authentication routes on the provided router.
func (h *Handler) MountAuthRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.middleware.Authenticate)
		r.Post("/logout", h.handleLogout)
		r.Get("/me", h.handleMe)
	})
}

// MountCardRoutes registers card management routes. Administrator only.
func (h *Handler) MountCardRoutes(r chi.Router) {
	r.Use(h.middleware.Authenticate)
	r.Use(h.middleware.RequireRole(RoleAdministrator))
	r.Get("/", h.handleListCards)
	r.Post("/", h.handleCreateCard)
	r.Post("/{id}/assign", h.handleAssignCard)
	r.Post("/{id}/unassign", h.handleUnassignCard)
	r.Post("/{id}/activate", h.handleSetCardActive(true))
	r.Post("/{id}/deactivate", h.handleSetCardActive(false))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Subject   Subject   `json:"subject"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	subject, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}

	token, err := h.tokens.Issue(r.Context(), subject)
	if err != nil {
		h.logger.Error("issue token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokens.TTL()).UTC(),
		Subject:   subject,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), bearerToken(r)); err != nil {
		h.logger.Warn("revoke token", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, subject)
}

type createCardRequest struct {
	CardID     string     `json:"card_id" validate:"required"`
	UserID     *int64     `json:"user_id,omitempty"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

func (h *Handler) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	card, err := h.service.CreateCard(r.Context(), req.CardID, req.UserID, req.ExpiryDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, card)
}

func (h *Handler) handleListCards(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cards, err := h.service.ListCards(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cards)
}

type assignCardRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (h *Handler) handleAssignCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid card id")
		return
	}
	var req assignCardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	card, err := h.service.AssignCard(r.Context(), id, req.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, card)
}

func (h *Handler) handleUnassignCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid card id")
		return
	}
	card, err := h.service.UnassignCard(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, card)
}

func (h *Handler) handleSetCardActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid card id")
			return
		}
		card, err := h.service.SetCardActive(r.Context(), id, active)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, card)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
