package runner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// SimulatedRunner имитирует бэкенд агента: задержки, счётчик токенов,
// отказ по флагу в настройках. Используется в dev-режиме и в runnerhost.
type SimulatedRunner struct {
	mu sync.Mutex

	cfg       Config
	ready     bool
	startedAt time.Time
	turns     int
	tokens    int64

	// MaxLatency — верхняя граница имитируемой задержки. 0 — без задержек.
	MaxLatency time.Duration
	now        func() time.Time
}

func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{now: time.Now}
}

// Settings, которые понимает симулятор:
//
//	fail_init: true   — Init вернёт ошибку
//	unhealthy: true   — HealthCheck сообщит о сбое
//	fail_stop: true   — Stop вернёт ошибку
func (s *SimulatedRunner) Init(ctx context.Context, cfg Config) error {
	if err := s.sleep(ctx); err != nil {
		return err
	}
	if flag(cfg.Settings, "fail_init") {
		return fmt.Errorf("simulated init failure for agent %s", cfg.AgentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.ready = true
	s.startedAt = s.now()
	return nil
}

func (s *SimulatedRunner) Run(ctx context.Context, input map[string]interface{}) (RunResult, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return RunResult{}, ErrUninitialized
	}
	if err := s.sleep(ctx); err != nil {
		return RunResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	used := int64(10 + len(fmt.Sprint(input)))
	s.tokens += used

	return RunResult{
		Output: map[string]interface{}{
			"echo":  input,
			"turn":  s.turns,
			"model": s.cfg.ModelConfig["model"],
		},
		Tokens: used,
	}, nil
}

func (s *SimulatedRunner) HealthCheck(ctx context.Context) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return Health{Healthy: false, Status: "stopped"}, nil
	}
	if flag(s.cfg.Settings, "unhealthy") {
		return Health{Healthy: false, Status: "degraded", Uptime: s.now().Sub(s.startedAt)}, nil
	}
	return Health{Healthy: true, Status: "ok", Uptime: s.now().Sub(s.startedAt)}, nil
}

func (s *SimulatedRunner) Stop(ctx context.Context) error {
	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if flag(s.cfg.Settings, "fail_stop") {
		return fmt.Errorf("simulated stop failure for agent %s", s.cfg.AgentID)
	}
	s.ready = false
	return nil
}

func (s *SimulatedRunner) UpdateModelConfig(ctx context.Context, cfg map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false, nil
	}
	s.cfg.ModelConfig = cfg
	return true, nil
}

// ModelConfig возвращает текущую конфигурацию модели (для тестов и хоста).
func (s *SimulatedRunner) ModelConfig() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ModelConfig
}

func (s *SimulatedRunner) sleep(ctx context.Context) error {
	if s.MaxLatency <= 0 {
		return ctx.Err()
	}
	latency := time.Duration(rand.Int64N(int64(s.MaxLatency)))
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flag(settings map[string]interface{}, key string) bool {
	v, ok := settings[key].(bool)
	return ok && v
}
