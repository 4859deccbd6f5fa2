package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const signaturePrefix = "sha256="

// SignPayload — HMAC-SHA256 по сырым байтам тела. Получатель обязан считать подпись
// по тем же байтам, что пришли по сети.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature — проверка на стороне получателя, сравнение за постоянное время.
func VerifySignature(payload []byte, secret, signature string) bool {
	got, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	gotMAC, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(gotMAC, mac.Sum(nil))
}

const maxBackoff = 60 * time.Second

// BackoffDelay — пауза перед попыткой attempt (нумерация с 1): перед первой паузы нет,
// дальше baseSeconds × 2^(attempt-2), но не больше минуты.
func BackoffDelay(baseSeconds int, attempt int) time.Duration {
	if attempt <= 1 || baseSeconds <= 0 {
		return 0
	}
	d := time.Duration(baseSeconds) * time.Second
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
