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

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/assign"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/audit"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/auth"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/config"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/httpapi"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/lock"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/owners"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/pipeline"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/recording"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/ringcentral"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/secrets"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/zoho"
	"github.com/inimical023/RC-Zoho-API-Advanced/pkg/logger"
	"github.com/inimical023/RC-Zoho-API-Advanced/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
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

	// Credentials: encrypted DB store first when configured, env fallback.
	var creds secrets.Provider = secrets.EnvProvider{}
	if cfg.Sync.SecretsKey != "" {
		pgSecrets, err := secrets.NewPostgresProvider(db, []byte(cfg.Sync.SecretsKey))
		if err != nil {
			log.Error("secrets init failed", "err", err)
			os.Exit(1)
		}
		creds = secrets.Chain{pgSecrets, secrets.EnvProvider{}}
	}

	callStore := calls.NewPostgresStore(db)
	ownerStore := owners.NewPostgresStore(db)
	locker := lock.NewRedisLocker(rdb, "synclock")
	auditSvc := audit.NewService(audit.NewPostgresRepository(db))

	provider := ringcentral.NewClient(creds, cfg.Sync.ProviderBaseURL, cfg.Sync.ProviderTimeout)
	crm := zoho.NewClient(creds, cfg.Sync.CRMAPIBaseURL, cfg.Sync.CRMAccountsURL, cfg.Sync.CRMTimeout)

	var assigner assign.Assigner
	if cfg.Sync.AssignmentMode == config.AssignmentModeFixed {
		assigner = assign.NewFixed(cfg.Sync.ExtensionOwnerMap)
	} else {
		assigner = assign.NewRoundRobin(ownerStore, locker, cfg.Sync.LockTTL)
	}

	fetcher := ringcentral.NewFetcher(provider, log)
	reconciler := zoho.NewReconciler(crm, pipeline.PendingMarker{Store: callStore}, cfg.Sync.ReassignmentPolicy, log)
	attacher := recording.NewAttacher(provider, crm, cfg.Sync.RecordingAttachMode,
		func(err error) bool { return errors.Is(err, ringcentral.ErrNotReady) }, log)

	orch := pipeline.NewOrchestrator(callStore, fetcher, assigner, reconciler, attacher, locker, auditSvc,
		pipeline.Config{
			MaxAttempts:         cfg.Sync.MaxAttempts,
			RetryBackoffBase:    cfg.Sync.RetryBackoffBase,
			RecordingRetryDelay: cfg.Sync.RecordingRetryDelay,
			MaxRecordingChecks:  cfg.Sync.MaxRecordingChecks,
			Workers:             cfg.Sync.Workers,
			LockTTL:             cfg.Sync.LockTTL,
		}, log)
	resyncer := pipeline.NewResyncer(callStore, ownerStore, provider, crm, auditSvc, log)

	scheduler := pipeline.NewScheduler(orch, resyncer,
		cfg.Sync.FetchInterval, cfg.Sync.ProcessInterval, cfg.Sync.ResyncInterval, log)
	go scheduler.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:     authManager,
		Pipeline: orch,
		Resyncer: resyncer,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("syncd listening", "addr", srv.Addr, "env", cfg.App.Env)
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

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
