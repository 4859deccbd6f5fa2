package runner

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Тела gRPC-вызовов — google.protobuf.Struct, внутри JSON-совместимые структуры ниже.

type initRequest struct {
	AgentID string `json:"agent_id"`
	Config  Config `json:"config"`
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

type runRequest struct {
	AgentID string                 `json:"agent_id"`
	Input   map[string]interface{} `json:"input"`
}

type healthResponse struct {
	Healthy  bool   `json:"healthy"`
	Status   string `json:"status"`
	UptimeMs int64  `json:"uptime_ms"`
}

type updateModelRequest struct {
	AgentID     string                 `json:"agent_id"`
	ModelConfig map[string]interface{} `json:"model_config"`
}

type updateModelResponse struct {
	Updated bool `json:"updated"`
}

type emptyResponse struct{}

// toStruct прогоняет значение через JSON, чтобы structpb принял любые вложенные типы.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out interface{}) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal proto struct: %w", err)
	}
	return json.Unmarshal(data, out)
}

// toStatus переводит ошибки раннера в коды gRPC на стороне хоста.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUninitialized) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus — обратное преобразование на стороне клиента.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.FailedPrecondition {
		return fmt.Errorf("%w: %s", ErrUninitialized, status.Convert(err).Message())
	}
	return err
}
