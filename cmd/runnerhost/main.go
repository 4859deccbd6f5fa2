package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"github.com/xela07ax/spaceai-agentops/internal/runner"
)

// runnerhost — внепроцессный бэкенд исполнения: по одному симулятору на агента.
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

	if cfg.Runner.Token == "" {
		logger.Warn("runner.token is empty, calls are not authenticated")
	}

	host := runner.NewHost(func() runner.Runner { return runner.NewSimulatedRunner() }, logger)

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(runner.UnaryTokenInterceptor(cfg.Runner.Token, logger)))
	runner.RegisterRunnerHostServer(grpcSrv, host)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(runner.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", cfg.Runner.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.String("addr", cfg.Runner.ListenAddr), zap.Error(err))
	}

	// Запускаем gRPC в отдельной горутине
	go func() {
		logger.Info("runner host started", zap.String("addr", cfg.Runner.ListenAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("runner host stopping...", zap.Int("active", host.Active()))
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	host.Shutdown(shutdownCtx)
	logger.Info("runner host exited properly")
}
