// Package runner описывает контракт бэкенда исполнения агента (Workload Runner)
// и его реализации: симулятор в процессе и удалённый хост по gRPC.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

// ErrUninitialized возвращается любым вызовом Run до успешного Init.
var ErrUninitialized = errors.New("runner: not initialized")

// Config — всё, что нужно бэкенду для запуска агента.
type Config struct {
	AgentID     string                 `json:"agent_id"`
	Name        string                 `json:"name"`
	Framework   string                 `json:"framework"`
	ModelConfig map[string]interface{} `json:"model_config"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
}

// ConfigFromAgent строит конфиг раннера из проекции агента.
func ConfigFromAgent(a domain.Agent) Config {
	return Config{
		AgentID:     a.ID,
		Name:        a.Name,
		Framework:   a.Framework,
		ModelConfig: a.ModelConfig,
	}
}

type RunResult struct {
	Output    map[string]interface{} `json:"output"`
	Tokens    int64                  `json:"tokens"`
	Completed bool                   `json:"completed"`
}

type Health struct {
	Healthy bool          `json:"healthy"`
	Status  string        `json:"status"`
	Uptime  time.Duration `json:"uptime,omitempty"`
}

// Runner — набор возможностей, который обязан предоставить любой бэкенд.
// Менеджер жизненного цикла работает только через этот интерфейс.
type Runner interface {
	Init(ctx context.Context, cfg Config) error
	Run(ctx context.Context, input map[string]interface{}) (RunResult, error)
	HealthCheck(ctx context.Context) (Health, error)
	Stop(ctx context.Context) error
	UpdateModelConfig(ctx context.Context, cfg map[string]interface{}) (bool, error)
}

// Killer реализуют кластерные бэкенды: завершение без graceful shutdown.
type Killer interface {
	Kill(ctx context.Context) error
}

// Factory создаёт свежий, ещё не инициализированный раннер.
type Factory func() Runner

// Registry сопоставляет framework агента с фабрикой раннера.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(framework string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[framework] = f
}

func (r *Registry) New(framework string) (Runner, error) {
	r.mu.RLock()
	f, ok := r.factories[framework]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.ValidationError{
			Field:   "framework",
			Message: fmt.Sprintf("no runner registered for %q", framework),
		}
	}
	return f(), nil
}

func (r *Registry) Frameworks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
