package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	chatHandler "github.com/zhouzirui/haven/backend/internal/handler/chat"
	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/middleware"
	chatService "github.com/zhouzirui/haven/backend/internal/service/chat"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	chatSvc  *chatService.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc:  chatSvc,
		validate: chatHandler.NewValidator(),
		logger:   logger.Named("stream"),
	}
}

// RegisterRoutes mounts POST /chat/stream; the router applies authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleStream runs one exchange and streams the reply as start, delta..., message, end.
// Failures before the stream opens are plain JSON errors; later ones are an error event.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	payload, err := chatHandler.DecodeChatRequest(r, h.validate)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.send(w, flusher, "start", StreamResponse{Message: payload.Message})

	exchange, err := h.chatSvc.ExchangeStream(context.WithoutCancel(r.Context()), u.ID, payload.Message, nil, func(delta string) {
		h.send(w, flusher, "delta", StreamResponse{Content: delta})
	})
	if err != nil {
		msg := "Something went wrong processing your message"
		if errors.Is(err, chatService.ErrEmptyMessage) {
			msg = "Invalid message"
		} else {
			h.logger.Error("stream exchange failed", zap.String("user", u.ID), zap.Error(err))
		}
		h.send(w, flusher, "error", StreamResponse{Error: msg})
		return
	}

	metrics.Exchanges.WithLabelValues("sse").Inc()
	h.send(w, flusher, "message", StreamResponse{
		Content:   exchange.Reply,
		Timestamp: exchange.RepliedAt.Format(time.RFC3339Nano),
	})
	h.send(w, flusher, "end", StreamResponse{Finished: true})
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event string, payload StreamResponse) {
	if err := utils.SendSSEEvent(w, flusher, event, payload); err != nil {
		h.logger.Debug("sse write failed", zap.String("event", event), zap.Error(err))
	}
}
