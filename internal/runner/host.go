package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "agentops.runner.v1.RunnerHost"

// RunnerHostServer — серверная сторона удалённого хоста раннеров.
type RunnerHostServer interface {
	Init(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateModelConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerHostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Init", Handler: unaryHandler("Init", RunnerHostServer.Init)},
		{MethodName: "Run", Handler: unaryHandler("Run", RunnerHostServer.Run)},
		{MethodName: "HealthCheck", Handler: unaryHandler("HealthCheck", RunnerHostServer.HealthCheck)},
		{MethodName: "Stop", Handler: unaryHandler("Stop", RunnerHostServer.Stop)},
		{MethodName: "Kill", Handler: unaryHandler("Kill", RunnerHostServer.Kill)},
		{MethodName: "UpdateModelConfig", Handler: unaryHandler("UpdateModelConfig", RunnerHostServer.UpdateModelConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentops/runner/v1/runner.proto",
}

// RegisterRunnerHostServer регистрирует хост на gRPC сервере.
func RegisterRunnerHostServer(s grpc.ServiceRegistrar, srv RunnerHostServer) {
	s.RegisterService(&hostServiceDesc, srv)
}

func unaryHandler(method string, call func(RunnerHostServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunnerHostServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RunnerHostServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Host держит по одному локальному раннеру на агента и отдаёт их по gRPC.
type Host struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.RWMutex
	runners map[string]Runner
}

func NewHost(factory Factory, logger *zap.Logger) *Host {
	return &Host{
		factory: factory,
		logger:  logger.Named("runnerhost"),
		runners: make(map[string]Runner),
	}
}

func (h *Host) Init(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in initRequest
	if err := fromStruct(req, &in); err != nil || in.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "init: agent_id and config are required")
	}
	if in.Config.AgentID == "" {
		in.Config.AgentID = in.AgentID
	}

	r := h.factory()
	if err := r.Init(ctx, in.Config); err != nil {
		h.logger.Error("runner init failed", zap.String("agent_id", in.AgentID), zap.Error(err))
		return nil, toStatus(err)
	}

	h.mu.Lock()
	h.runners[in.AgentID] = r
	h.mu.Unlock()

	h.logger.Info("runner initialized", zap.String("agent_id", in.AgentID), zap.String("framework", in.Config.Framework))
	return toStruct(emptyResponse{})
}

func (h *Host) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in runRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, ok := h.get(in.AgentID)
	if !ok {
		return nil, toStatus(ErrUninitialized)
	}
	res, err := r.Run(ctx, in.Input)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (h *Host) HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in agentRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, ok := h.get(in.AgentID)
	if !ok {
		return toStruct(healthResponse{Healthy: false, Status: "unknown"})
	}
	health, err := r.HealthCheck(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(healthResponse{
		Healthy:  health.Healthy,
		Status:   health.Status,
		UptimeMs: health.Uptime.Milliseconds(),
	})
}

func (h *Host) Stop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in agentRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, ok := h.get(in.AgentID)
	if !ok {
		return toStruct(emptyResponse{})
	}
	if err := r.Stop(ctx); err != nil {
		return nil, toStatus(err)
	}
	h.remove(in.AgentID)
	h.logger.Info("runner stopped", zap.String("agent_id", in.AgentID))
	return toStruct(emptyResponse{})
}

// Kill снимает раннер без вызова Stop.
func (h *Host) Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in agentRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if r, ok := h.get(in.AgentID); ok {
		if k, ok := r.(Killer); ok {
			if err := k.Kill(ctx); err != nil {
				h.logger.Warn("runner kill reported error", zap.String("agent_id", in.AgentID), zap.Error(err))
			}
		}
		h.remove(in.AgentID)
		h.logger.Warn("runner killed", zap.String("agent_id", in.AgentID))
	}
	return toStruct(emptyResponse{})
}

func (h *Host) UpdateModelConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateModelRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, ok := h.get(in.AgentID)
	if !ok {
		return toStruct(updateModelResponse{Updated: false})
	}
	updated, err := r.UpdateModelConfig(ctx, in.ModelConfig)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(updateModelResponse{Updated: updated})
}

// Active возвращает число живых раннеров.
func (h *Host) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runners)
}

// Shutdown останавливает все раннеры хоста.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.Lock()
	runners := h.runners
	h.runners = make(map[string]Runner)
	h.mu.Unlock()

	for id, r := range runners {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.Stop(stopCtx); err != nil {
			h.logger.Warn("runner stop failed on shutdown", zap.String("agent_id", id), zap.Error(err))
		}
		cancel()
	}
}

func (h *Host) get(agentID string) (Runner, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.runners[agentID]
	return r, ok
}

func (h *Host) remove(agentID string) {
	h.mu.Lock()
	delete(h.runners, agentID)
	h.mu.Unlock()
}
