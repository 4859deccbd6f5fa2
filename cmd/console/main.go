package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/bus"
	"github.com/xela07ax/spaceai-agentops/internal/console/handler"
	"github.com/xela07ax/spaceai-agentops/internal/console/server"
	"github.com/xela07ax/spaceai-agentops/internal/console/service"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/infra/auth"
	"github.com/xela07ax/spaceai-agentops/internal/repository"
	"github.com/xela07ax/spaceai-agentops/internal/webhook"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	// Проверяем соединение с таймаутом
	dbCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
	store, closeStore, err := repository.Open(dbCtx, cfg.Database, logger)
	cancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer closeStore()

	// nil — dev-режим без аутентификации операторов
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid auth public key", zap.Error(err))
		}
		validator = auth.NewOperatorValidator(pub, auth.ValidatorOptions{
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		})
	} else {
		logger.Warn("auth public key is not configured, console API is unauthenticated")
	}

	// 2. Инициализация слоев (Dependency Injection)
	commandBus := bus.NewCommandBus(rdb, metrics, logger)
	dispatcher := webhook.NewDispatcher(store, webhook.Options{
		Concurrency:    cfg.Webhook.Concurrency,
		DefaultTimeout: cfg.Webhook.DefaultTimeout,
		Metrics:        metrics,
	}, logger)
	hitl := approval.NewEngine(store, approval.Options{
		Signals:      approval.NewRedisSignals(rdb),
		Notifier:     dispatcher,
		Metrics:      metrics,
		PollInterval: cfg.Approval.PollInterval,
	}, logger)

	agentService := service.NewAgentService(store, commandBus, dispatcher, logger)
	sessionService := service.NewSessionService(store, logger)
	policyService := service.NewPolicyService(store, func(ctx context.Context) error {
		return approval.PublishPolicyUpdate(ctx, rdb)
	}, logger)
	webhookService := service.NewWebhookService(store)

	console := server.NewConsoleServer(logger, validator, server.Handlers{
		Agents:    handler.NewAgentHandler(agentService, sessionService, logger),
		Sessions:  handler.NewSessionHandler(sessionService, logger),
		Policies:  handler.NewPolicyHandler(policyService, logger),
		Approvals: handler.NewApprovalHandler(hitl, logger),
		Webhooks:  handler.NewWebhookHandler(webhookService, logger),
	})

	// Отчёты исполнителей: error от бэкенда двигает агента в error
	unsubscribe, err := commandBus.SubscribeStatus(appCtx, agentService.HandleStatus)
	if err != nil {
		logger.Fatal("failed to subscribe to status channel", zap.Error(err))
	}

	// 3. Настройка роутера
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", console)

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		hitl.RunSweeper(gctx, cfg.Approval.SweepInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("console stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
		unsubscribe()
		dispatcher.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("console exited with error", zap.Error(err))
		return
	}
	logger.Info("console exited properly")
}
