// Package realtime serves the websocket chat protocol.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	chatHandler "github.com/zhouzirui/haven/backend/internal/handler/chat"
	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/middleware"
	"github.com/zhouzirui/haven/backend/internal/model/chat"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	chatService "github.com/zhouzirui/haven/backend/internal/service/chat"
	"github.com/zhouzirui/haven/backend/internal/service/session"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

// Inbound and outbound event names.
const (
	EventUserMessage    = "user_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventAIMessage      = "ai_message"
	EventError          = "error"
	EventUserTyping     = "user_typing"
	EventUserTypingStop = "user_typing_stop"
)

// User-visible error texts.
const (
	msgInvalid      = "Invalid message"
	msgFailed       = "Something went wrong processing your message"
	msgRateLimited  = "Too many messages"
	msgUnknownEvent = "Unknown event"
)

// TeardownAnalyzer runs the end-of-session analysis.
type TeardownAnalyzer interface {
	AnalyzeOnTeardown(ctx context.Context, ownerID string, sessionMessages []string) (chat.Issue, bool)
}

// Config tunes per-connection behavior.
type Config struct {
	MessageRate     float64
	MessageBurst    int
	TeardownTimeout time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.MessageRate <= 0 {
		c.MessageRate = 1
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 5
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 90 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	return c
}

// Handler WebSocket 聊天处理器
type Handler struct {
	chatSvc  *chatService.Service
	resolver middleware.Resolver
	teardown TeardownAnalyzer
	hub      *Hub
	upgrader websocket.Upgrader
	validate *validator.Validate
	cfg      Config
	logger   *zap.Logger
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service, resolver middleware.Resolver, teardown TeardownAnalyzer, hub *Hub, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		chatSvc:  chatSvc,
		resolver: resolver,
		teardown: teardown,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		validate: chatHandler.NewValidator(),
		cfg:      cfg,
		logger:   logger.Named("realtime"),
	}
}

// RegisterRoutes 注册WebSocket路由；鉴权在握手阶段完成
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type userMessagePayload struct {
	Message string `json:"message" validate:"required,notblank"`
}

type aiMessagePayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type typingPayload struct {
	UserID string `json:"userId"`
}

// client is the per-connection state: owned by the handler goroutine, except
// for writes which the hub may also perform.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	user    user.User
	ledger  *session.Ledger
	limiter *rate.Limiter
}

func (c *client) write(msg envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	u, err := h.resolver.Resolve(r.Context(), middleware.TokenFromRequest(r))
	if err != nil {
		h.logger.Debug("handshake rejected", zap.Error(err))
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:    conn,
		user:    u,
		ledger:  session.Open(),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
	}
	h.hub.add(c)
	metrics.ActiveConnections.Inc()
	logger := h.logger.With(zap.String("user", u.ID))
	logger.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	var pings sync.WaitGroup
	defer func() {
		cancel()
		pings.Wait()
		h.close(ctx, c, logger)
	}()

	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	pings.Add(1)
	go func() {
		defer pings.Done()
		h.pingLoop(ctx, c)
	}()

	for {
		var msg inboundEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		h.handleEvent(ctx, c, msg, logger)
	}
}

// close unregisters the connection, runs teardown analysis over the session
// ledger exactly once and then discards the ledger.
func (h *Handler) close(ctx context.Context, c *client, logger *zap.Logger) {
	defer h.hub.release()
	h.hub.remove(c)
	metrics.ActiveConnections.Dec()
	_ = c.conn.Close()

	messages := c.ledger.Snapshot()
	if h.teardown != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.TeardownTimeout)
		h.teardown.AnalyzeOnTeardown(tctx, c.user.ID, messages)
		cancel()
	}
	c.ledger.Discard()
	logger.Info("connection closed", zap.Int("sessionMessages", len(messages)))
}

func (h *Handler) handleEvent(ctx context.Context, c *client, msg inboundEnvelope, logger *zap.Logger) {
	switch msg.Event {
	case EventUserMessage:
		h.handleUserMessage(ctx, c, msg.Data, logger)
	case EventTypingStart:
		h.hub.broadcast(c, envelope{Event: EventUserTyping, Data: typingPayload{UserID: c.user.ID}})
	case EventTypingStop:
		h.hub.broadcast(c, envelope{Event: EventUserTypingStop, Data: typingPayload{UserID: c.user.ID}})
	default:
		h.sendError(c, msgUnknownEvent)
	}
}

// handleUserMessage answers with exactly one ai_message or one error.
func (h *Handler) handleUserMessage(ctx context.Context, c *client, raw json.RawMessage, logger *zap.Logger) {
	var payload userMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil || h.validate.Struct(payload) != nil {
		h.sendError(c, msgInvalid)
		return
	}
	if !c.limiter.Allow() {
		h.sendError(c, msgRateLimited)
		return
	}

	// a closing connection leaves the exchange to finish on its own
	exchange, err := h.chatSvc.Exchange(context.WithoutCancel(ctx), c.user.ID, payload.Message, c.ledger)
	if errors.Is(err, chatService.ErrEmptyMessage) {
		h.sendError(c, msgInvalid)
		return
	}
	if err != nil {
		logger.Error("exchange failed", zap.Error(err))
		h.sendError(c, msgFailed)
		return
	}

	metrics.Exchanges.WithLabelValues("ws").Inc()
	if err := c.write(envelope{Event: EventAIMessage, Data: aiMessagePayload{
		Message:   exchange.Reply,
		Timestamp: exchange.RepliedAt.Format(time.RFC3339Nano),
	}}); err != nil {
		logger.Debug("write ai message failed", zap.Error(err))
	}
}

func (h *Handler) sendError(c *client, message string) {
	if err := c.write(envelope{Event: EventError, Data: errorPayload{Message: message}}); err != nil {
		h.logger.Debug("write error event failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowAny := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAny = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
