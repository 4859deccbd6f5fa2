package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции служебных данных проекта в Redis
	RedisNamespace = "agentops"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanCommands — широковещательный канал команд жизненного цикла.
	// Имя зафиксировано контрактом между плоскостями, поэтому без namespace.
	RedisChanCommands = "agent:commands"
	// RedisChanStatus — отчёты Execution Plane о статусах (только наблюдаемость).
	RedisChanStatus = "agent:status"

	// RedisChanApprovalDecisions — канал для трансляции решений оператора (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	RedisChanPolicyUpdate      = RedisNamespace + ":policies:update"
)

// ApprovalDecisionChannel — персональный канал ожидания решения по заявке.
func ApprovalDecisionChannel(approvalID string) string {
	return fmt.Sprintf("%s:execution:%s", RedisChanApprovalDecisions, approvalID)
}

// Множества (состояние)
const (
	// RedisKeyKilledSet — агенты, убитые командой kill. Гейт отказывает им до следующего start.
	RedisKeyKilledSet = RedisNamespace + ":agents:killed_set"
)
