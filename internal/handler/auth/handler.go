package auth

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/middleware"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

// Revoker invalidates a bearer credential.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Handler 鉴权相关的HTTP处理器
type Handler struct {
	revoker Revoker
	logger  *zap.Logger
}

func New(revoker Revoker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{revoker: revoker, logger: logger.Named("auth-http")}
}

// RegisterRoutes mounts the authenticated auth routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/logout", h.handleLogout)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromContext(r.Context())
	if token == "" {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.revoker.Revoke(r.Context(), token); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
