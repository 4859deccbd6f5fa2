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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-agentops/internal/approval"
	"github.com/xela07ax/spaceai-agentops/internal/audit"
	"github.com/xela07ax/spaceai-agentops/internal/bus"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
	"github.com/xela07ax/spaceai-agentops/internal/engine"
	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/repository"
	"github.com/xela07ax/spaceai-agentops/internal/runner"
	"github.com/xela07ax/spaceai-agentops/internal/webhook"
)

func main() {
	// 0. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("instance_id", cfg.Executor.InstanceID))

	// Контекст для управления жизненным циклом фоновых горутин.
	// SIGTERM отменяет его и запускает graceful shutdown.
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
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

	store, closeStore, err := repository.Open(appCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer closeStore()

	// 2. Бэкенды исполнения
	registry := runner.NewRegistry()
	registry.Register("simulated", func() runner.Runner { return runner.NewSimulatedRunner() })
	if cfg.Runner.HostAddr != "" {
		opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		if cfg.Runner.Token != "" {
			opts = append(opts, grpc.WithPerRPCCredentials(runner.TokenCredentials(cfg.Runner.Token)))
		}
		conn, err := grpc.NewClient(cfg.Runner.HostAddr, opts...)
		if err != nil {
			logger.Fatal("failed to connect to runner host", zap.String("addr", cfg.Runner.HostAddr), zap.Error(err))
		}
		defer conn.Close()
		// Оборачиваем в Guard (Rate Limit, Circuit Breaker, Retries)
		guard := runner.NewGuard("runnerhost", cfg.Runner, metrics, logger)
		registry.Register("remote", runner.NewRemoteFactory(conn, guard))
	}
	logger.Info("runner backends registered", zap.Strings("frameworks", registry.Frameworks()))

	// 3. Исходящие: вебхуки, шина, журнал
	dispatcher := webhook.NewDispatcher(store, webhook.Options{
		Concurrency:    cfg.Webhook.Concurrency,
		DefaultTimeout: cfg.Webhook.DefaultTimeout,
		Metrics:        metrics,
	}, logger)
	commandBus := bus.NewCommandBus(rdb, metrics, logger)

	journal := audit.NewJournal(store, cfg.Executor.JournalBufferSize, cfg.Executor.JournalFlushInterval, metrics, logger)
	journal.Start()

	// 4. Lifecycle Manager и применение команд
	manager := engine.NewManager(registry, engine.Options{
		InstanceID:  cfg.Executor.InstanceID,
		StopTimeout: cfg.Executor.StopTimeout,
		Notifier:    dispatcher,
		Reporter:    commandBus,
		Metrics:     metrics,
	}, logger)
	// Kill-Switch: убитые агенты блокируются в гейте на всех репликах
	killSwitch := engine.NewKillSwitch(rdb, logger)
	if err := killSwitch.Init(appCtx); err != nil {
		logger.Error("failed to init kill switch", zap.Error(err))
	}
	handler := engine.NewCommandHandler(manager, store, journal, logger).WithKillSwitch(killSwitch)

	// Подписываемся до восстановления, чтобы не потерять команды между ними
	unsubscribe, err := commandBus.Subscribe(appCtx, handler.Apply)
	if err != nil {
		logger.Fatal("failed to subscribe to command bus", zap.Error(err))
	}

	running, err := store.ListAgents(appCtx, domain.AgentRunning)
	if err != nil {
		logger.Error("failed to load running agents", zap.Error(err))
	} else {
		restored := manager.Restore(appCtx, running)
		logger.Info("agents restored", zap.Int("restored", restored), zap.Int("expected", len(running)))
	}

	// 5. HITL: кэш политик в памяти + сигналы решений через Redis
	policyCache := approval.NewPolicyCache(store, rdb, logger)
	if err := policyCache.Refresh(appCtx); err != nil {
		logger.Error("initial policy load failed", zap.Error(err))
	}
	hitl := approval.NewEngine(store, approval.Options{
		Policies:     policyCache,
		Signals:      approval.NewRedisSignals(rdb),
		Notifier:     dispatcher,
		Metrics:      metrics,
		PollInterval: cfg.Approval.PollInterval,
	}, logger)

	// 6. HTTP: шлюз действий и метрики
	gateway := engine.NewGateway(manager, hitl, engine.GatewayOptions{Metrics: metrics, KillSwitch: killSwitch}, logger)
	gateSrv := &http.Server{
		Addr:              cfg.Executor.GateAddr,
		Handler:           gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.Executor.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		policyCache.StartListener(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("gate API started", zap.String("addr", gateSrv.Addr))
		if err := gateSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics endpoint started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 7. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("executor stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Сначала перестаём принимать команды, потом гасим раннеры
		unsubscribe()
		_ = gateSrv.Shutdown(shutdownCtx)
		manager.Shutdown(shutdownCtx)
		dispatcher.Close(shutdownCtx)
		journal.Stop()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("executor exited with error", zap.Error(err))
		return
	}
	logger.Info("executor exited properly")
}
