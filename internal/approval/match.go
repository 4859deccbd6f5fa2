package approval

import (
	"reflect"
	"strings"

	"github.com/spf13/cast"
	"github.com/xela07ax/spaceai-agentops/internal/domain"
)

// PolicyMatches — чистая функция: подходит ли действие под политику.
// Условия приходят из JSONB, поэтому числа и списки приводим через cast.
func PolicyMatches(p domain.HitlPolicy, action domain.ActionContext) bool {
	switch p.TriggerType {
	case domain.TriggerToolCall, domain.TriggerExternalAPI:
		return matchPatterns(cast.ToStringSlice(p.Conditions["patterns"]), action.ActionType)

	case domain.TriggerSpending:
		threshold, err := cast.ToFloat64E(p.Conditions["threshold_usd"])
		if err != nil || p.Conditions["threshold_usd"] == nil {
			return false
		}
		raw, ok := action.Details["amount_usd"]
		if !ok {
			return false
		}
		amount, err := cast.ToFloat64E(raw)
		if err != nil {
			return false
		}
		return amount >= threshold

	case domain.TriggerDataMutation:
		table := cast.ToString(action.Details["table"])
		op := cast.ToString(action.Details["operation"])
		return contains(cast.ToStringSlice(p.Conditions["tables"]), table) &&
			contains(cast.ToStringSlice(p.Conditions["operations"]), op)

	case domain.TriggerEscalation:
		return true

	case domain.TriggerCustom:
		for k, want := range cast.ToStringMap(p.Conditions["match"]) {
			got, ok := action.Details[k]
			if !ok || !valuesEqual(want, got) {
				return false
			}
		}
		return true
	}
	return false
}

// matchPatterns: "delete_*" — префикс, остальное — точное совпадение.
func matchPatterns(patterns []string, id string) bool {
	if id == "" {
		return false
	}
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(id, prefix) {
				return true
			}
			continue
		}
		if p == id {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// valuesEqual сравнивает числа по значению (3 и 3.0 равны), остальное — глубоко.
func valuesEqual(a, b interface{}) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
