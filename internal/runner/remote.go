package runner

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// RemoteRunner — клиент одного агента на удалённом хосте раннеров.
// Реализует Killer: кластерный бэкенд умеет снимать агента без graceful stop.
type RemoteRunner struct {
	conn    grpc.ClientConnInterface
	guard   *Guard
	agentID string
}

// NewRemoteFactory возвращает фабрику, все раннеры которой делят соединение и Guard.
func NewRemoteFactory(conn grpc.ClientConnInterface, guard *Guard) Factory {
	return func() Runner {
		return &RemoteRunner{conn: conn, guard: guard}
	}
}

func (r *RemoteRunner) Init(ctx context.Context, cfg Config) error {
	r.agentID = cfg.AgentID
	return r.call(ctx, "Init", initRequest{AgentID: cfg.AgentID, Config: cfg}, nil)
}

func (r *RemoteRunner) Run(ctx context.Context, input map[string]interface{}) (RunResult, error) {
	if r.agentID == "" {
		return RunResult{}, ErrUninitialized
	}
	var res RunResult
	err := r.call(ctx, "Run", runRequest{AgentID: r.agentID, Input: input}, &res)
	return res, err
}

func (r *RemoteRunner) HealthCheck(ctx context.Context) (Health, error) {
	var resp healthResponse
	if err := r.call(ctx, "HealthCheck", agentRequest{AgentID: r.agentID}, &resp); err != nil {
		return Health{}, err
	}
	return Health{
		Healthy: resp.Healthy,
		Status:  resp.Status,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

func (r *RemoteRunner) Stop(ctx context.Context) error {
	return r.call(ctx, "Stop", agentRequest{AgentID: r.agentID}, nil)
}

func (r *RemoteRunner) Kill(ctx context.Context) error {
	return r.call(ctx, "Kill", agentRequest{AgentID: r.agentID}, nil)
}

func (r *RemoteRunner) UpdateModelConfig(ctx context.Context, cfg map[string]interface{}) (bool, error) {
	var resp updateModelResponse
	if err := r.call(ctx, "UpdateModelConfig", updateModelRequest{AgentID: r.agentID, ModelConfig: cfg}, &resp); err != nil {
		return false, err
	}
	return resp.Updated, nil
}

func (r *RemoteRunner) call(ctx context.Context, method string, req interface{}, out interface{}) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)

	invoke := func(ctx context.Context) error {
		return fromStatus(r.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp))
	}
	if r.guard != nil {
		err = r.guard.Do(ctx, invoke)
	} else {
		err = invoke(ctx)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}
