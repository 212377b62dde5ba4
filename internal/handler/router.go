package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	authHandler "github.com/zhouzirui/haven/backend/internal/handler/auth"
	"github.com/zhouzirui/haven/backend/internal/handler/chat"
	"github.com/zhouzirui/haven/backend/internal/handler/realtime"
	"github.com/zhouzirui/haven/backend/internal/handler/stream"
	"github.com/zhouzirui/haven/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/haven/backend/internal/middleware"
	chatService "github.com/zhouzirui/haven/backend/internal/service/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

// Authenticator is what the router needs from the auth service.
type Authenticator interface {
	middlewarePkg.Resolver
	authHandler.Revoker
}

// Dependencies groups everything NewRouter wires.
type Dependencies struct {
	Chat           *chatService.Service
	Issues         store.IssueStore
	Auth           Authenticator
	Teardown       realtime.TeardownAnalyzer
	Hub            *realtime.Hub
	Realtime       realtime.Config
	Streaming      bool
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	// 握手阶段自行鉴权，失败时在升级前返回 401
	deps.Realtime.AllowedOrigins = deps.AllowedOrigins
	realtime.New(deps.Chat, deps.Auth, deps.Teardown, deps.Hub, deps.Realtime, logger).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Authenticate(deps.Auth, logger))

		chat.New(deps.Chat, deps.Issues, logger).RegisterRoutes(api)
		if deps.Streaming {
			stream.New(deps.Chat, logger).RegisterRoutes(api)
		}
		authHandler.New(deps.Auth, logger).RegisterRoutes(api)
	})

	return r
}
