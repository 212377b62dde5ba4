package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/middleware"
	"github.com/zhouzirui/haven/backend/internal/model/chat"
	chatService "github.com/zhouzirui/haven/backend/internal/service/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

const (
	defaultHistoryPage = 50
	maxHistoryPage     = 200
	defaultIssuePage   = 5
	maxIssuePage       = 50
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	issues   store.IssueStore
	validate *validator.Validate
	logger   *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, issues store.IssueStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc:  chatSvc,
		issues:   issues,
		validate: NewValidator(),
		logger:   logger.Named("chat-http"),
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方需先挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/history", h.handleHistory)
	r.Get("/issues", h.handleIssues)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message" validate:"required,notblank"`
}

// ChatResponse echoes the message with the generated reply.
type ChatResponse struct {
	Message  string `json:"message"`
	Response string `json:"response"`
}

// DecodeChatRequest reads and validates a chat request body.
func DecodeChatRequest(r *http.Request, validate *validator.Validate) (ChatRequest, error) {
	var payload ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return ChatRequest{}, err
	}
	if err := validate.Struct(payload); err != nil {
		return ChatRequest{}, err
	}
	return payload, nil
}

// NewValidator returns a validator with the notblank rule registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", notBlank)
	return v
}

// handleChat 同步对话：记录用户消息、生成回复、记录回复并触发分析
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	payload, err := DecodeChatRequest(r, h.validate)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	// 客户端断开不会中断生成，用户与助手消息总是成对落库
	exchange, err := h.chatSvc.Exchange(context.WithoutCancel(r.Context()), u.ID, payload.Message, nil)
	if errors.Is(err, chatService.ErrEmptyMessage) {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err != nil {
		h.logger.Error("chat exchange failed", zap.String("user", u.ID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	metrics.Exchanges.WithLabelValues("http").Inc()
	utils.RespondJSON(w, http.StatusOK, ChatResponse{Message: exchange.Message, Response: exchange.Reply})
}

type historyItem struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Speaker   chat.Speaker `json:"speaker"`
	CreatedAt time.Time    `json:"createdAt"`
}

// handleHistory 返回最近的聊天记录（按时间正序）
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, err := parseLimit(r, defaultHistoryPage, maxHistoryPage)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	turns, err := h.chatSvc.History(r.Context(), u.ID, limit)
	if err != nil {
		h.logger.Error("load history failed", zap.String("user", u.ID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	items := make([]historyItem, 0, len(turns))
	for _, t := range turns {
		items = append(items, historyItem{ID: t.ID, Content: t.Content, Speaker: t.Speaker, CreatedAt: t.CreatedAt})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": items})
}

// handleIssues 返回最近的分析记录（最新在前）
func (h *Handler) handleIssues(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, err := parseLimit(r, defaultIssuePage, maxIssuePage)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	issues, err := h.issues.RecentIssues(r.Context(), u.ID, limit)
	if err != nil {
		h.logger.Error("load issues failed", zap.String("user", u.ID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func parseLimit(r *http.Request, def, upper int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, upper), nil
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}
