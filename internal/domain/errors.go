package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition — сентинел для errors.Is поверх StateConflictError.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ValidationError — некорректная форма команды, политики или запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError — сущность не найдена. Никогда не создаём её молча.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StateConflictError — недопустимый переход либо решение по уже закрытой заявке.
// Сообщение всегда содержит текущий статус и список допустимых следующих.
type StateConflictError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
	Allowed   []string
}

func (e *StateConflictError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("%s %s: cannot move from %q to %q (allowed: %s)",
		e.Entity, e.ID, e.Current, e.Requested, allowed)
}

func (e *StateConflictError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return target == ErrAlreadyProcessed && e.Entity == "approval"
}

// BackendError — сбой раннера при init/stop/run. Фатален для операции, но не для менеджера.
type BackendError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed for agent %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// DeliveryError — сетевой сбой, таймаут или не-2xx ответ подписчика вебхука.
type DeliveryError struct {
	StatusCode int
	Timeout    bool
	Message    string
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Timeout:
		return "delivery timeout: " + e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("delivery failed with status %d: %s", e.StatusCode, e.Message)
	default:
		return "delivery failed: " + e.Message
	}
}

// BusDecodeError — сообщение из шины не разобралось. Логируется и отбрасывается.
type BusDecodeError struct {
	Channel string
	Err     error
}

func (e *BusDecodeError) Error() string {
	return fmt.Sprintf("bus %s: undecodable message: %v", e.Channel, e.Err)
}

func (e *BusDecodeError) Unwrap() error { return e.Err }
