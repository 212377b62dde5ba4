package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/config"
	"github.com/zhouzirui/haven/backend/internal/handler"
	"github.com/zhouzirui/haven/backend/internal/handler/realtime"
	"github.com/zhouzirui/haven/backend/internal/logging"
	"github.com/zhouzirui/haven/backend/internal/service/ai"
	"github.com/zhouzirui/haven/backend/internal/service/analysis"
	"github.com/zhouzirui/haven/backend/internal/service/auth"
	"github.com/zhouzirui/haven/backend/internal/service/chat"
	"github.com/zhouzirui/haven/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.AI.Enabled() {
		return fmt.Errorf("AI provider %q is not configured", cfg.AI.Provider)
	}

	db, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}
	analysisModel, err := cfg.AI.NewAnalysisModel(ctx)
	if err != nil {
		return fmt.Errorf("create analysis model: %w", err)
	}

	generator, err := ai.NewService(ctx, chatModel, cfg.AI.GenerationTimeout, logger)
	if err != nil {
		return err
	}
	analyzer, err := analysis.NewService(ctx, analysisModel, cfg.AI.AnalysisTimeout, logger)
	if err != nil {
		return err
	}

	dispatcher := analysis.NewDispatcher(logger)
	trigger := analysis.NewTrigger(analyzer, db, db, dispatcher, cfg.Chat.AnalysisWindow, logger)

	chatSvc := chat.NewService(
		chat.NewRecorder(db),
		chat.NewAssembler(db, db, db, cfg.Chat.HistoryLimit, cfg.Chat.IssueLimit),
		generator,
		trigger,
		db,
		logger,
	)

	authenticator := auth.NewAuthenticator(cfg.Auth, db, db, logger)
	purge, err := auth.NewPurgeJob(db, logger).Schedule(cfg.Auth.PurgeSchedule)
	if err != nil {
		return err
	}
	purge.Start()
	defer func() { <-purge.Stop().Done() }()

	hub := realtime.NewHub()
	router := handler.NewRouter(handler.Dependencies{
		Chat:     chatSvc,
		Issues:   db,
		Auth:     authenticator,
		Teardown: trigger,
		Hub:      hub,
		Realtime: realtime.Config{
			MessageRate:     cfg.Chat.MessageRate,
			MessageBurst:    cfg.Chat.MessageBurst,
			TeardownTimeout: cfg.Chat.TeardownTimeout,
		},
		Streaming:      cfg.AI.StreamResponse,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Haven backend listening", zap.String("addr", cfg.Server.Addr), zap.String("provider", string(cfg.AI.Provider)))
	serveErr := runServer(ctx, srv, cfg.Server.ShutdownTimeout)

	// 关闭顺序：先断开实时连接并等待会话结束分析，再排空后台分析任务
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Chat.TeardownTimeout)
	defer cancel()
	if err := hub.Shutdown(drainCtx); err != nil {
		logger.Warn("realtime connections did not finish teardown", zap.Error(err))
	}
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Warn("background analysis did not drain", zap.Error(err))
	}
	return serveErr
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
