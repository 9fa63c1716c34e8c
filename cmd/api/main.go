package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicebridge/internal/audit"
	"voicebridge/internal/auth"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/config"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/registry"
	"voicebridge/internal/stream"
	"voicebridge/internal/telephony"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

// concurrencySlotTTL bounds leaked per-number slots if the process dies
// mid-call. Long enough for any realistic call.
const concurrencySlotTTL = 4 * time.Hour

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local convenience; real deployments inject env directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := registry.New()
	calls := calllog.NewPostgresStore(db)
	trail := audit.NewService(audit.NewMemoryRepo())

	bridgeClient, err := bridge.NewRealtimeClient(bridge.RealtimeConfig{
		URL:    cfg.Voice.BackendURL,
		APIKey: cfg.Voice.APIKey,
	}, log)
	if err != nil {
		log.Error("bridge init failed", "err", err)
		os.Exit(1)
	}

	streamServer := stream.NewServer(log, reg, calls, bridgeClient)
	streamServer.Audit = trail
	streamServer.ReleaseSlot = func(ctx context.Context, toNumber string) {
		if cfg.Stream.MaxCallsPerNumber <= 0 {
			return
		}
		if err := utils.ReleaseConcurrencyCap(ctx, rdb, concurrencyKey(toNumber)); err != nil {
			log.Warn("concurrency release failed", "to", toNumber, "err", err)
		}
	}

	manager := telephony.NewManager(log, reg, calls, bridgeClient, streamServer, telephony.ManagerConfig{
		DefaultPhoneNumber: cfg.App.DefaultPhoneNumber,
	})
	manager.SetAudit(trail)

	webhook := telephony.NewWebhookHandler(log, reg, calls)
	webhook.Audit = trail
	webhook.StreamURL = func(c *gin.Context) string { return cfg.StreamURL() }
	if cfg.Stream.MaxCallsPerNumber > 0 {
		webhook.AcquireSlot = func(ctx context.Context, toNumber string) (bool, error) {
			return utils.AcquireConcurrencyCap(ctx, rdb, concurrencyKey(toNumber), cfg.Stream.MaxCallsPerNumber, concurrencySlotTTL)
		}
	}

	// Carrier-facing websocket listener, separate from the control API.
	streamHandle, err := manager.Listen(cfg.Stream.Host, cfg.Stream.Port)
	if err != nil {
		log.Error("media-stream listen failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, registerDeps{
		webhook: webhook,
		handlers: httpapi.Handlers{
			Auth:    authManager,
			Manager: manager,
		},
		authMW: auth.RequireAccessToken(authManager),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := streamHandle.Stop(); err != nil {
		log.Error("media-stream shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func concurrencyKey(toNumber string) string {
	return "voicebridge:calls:" + toNumber
}
