package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера Console API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ExecutorConfig содержит специфичные настройки Execution Plane.
type ExecutorConfig struct {
	InstanceID  string `mapstructure:"instance_id"` // Пусто: берём hostname
	GateAddr    string `mapstructure:"gate_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// StopTimeout ограничивает Stop/Kill раннера. 0 — ждём сколько угодно.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
// Пустой URL включает in-memory хранилище (dev-режим).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub шина).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки токенов операторов.
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
	PublicKey     []byte
}

type ApprovalConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"` // Fallback для WaitForDecision
}

type WebhookConfig struct {
	Concurrency    int64         `mapstructure:"concurrency"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// RunnerConfig описывает удалённый хост раннеров и его защиту.
type RunnerConfig struct {
	HostAddr   string `mapstructure:"host_addr"`   // Пусто — только in-process раннеры
	ListenAddr string `mapstructure:"listen_addr"` // Для cmd/runnerhost
	Token      string `mapstructure:"token"`       // Общий секрет исполнителя и хоста, пусто — без проверки

	// Настройки Circuit Breaker для удалённого хоста
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: REDIS_ADDR=redis:6379 перекроет redis.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if cfg.Executor.InstanceID == "" {
		cfg.Executor.InstanceID, _ = os.Hostname()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("executor.instance_id", "")
	v.SetDefault("executor.gate_addr", ":8080")
	v.SetDefault("executor.metrics_addr", ":9090")
	v.SetDefault("executor.stop_timeout", time.Duration(0))
	v.SetDefault("executor.journal_buffer_size", 10000)
	v.SetDefault("executor.journal_flush_interval", 500*time.Millisecond)

	// AutomaticEnv видит только известные ключи, поэтому объявляем даже пустые
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("approval.sweep_interval", 5*time.Second)
	v.SetDefault("approval.poll_interval", 2*time.Second)

	v.SetDefault("webhook.concurrency", 32)
	v.SetDefault("webhook.default_timeout", 10*time.Second)

	v.SetDefault("runner.host_addr", "")
	v.SetDefault("runner.listen_addr", ":50051")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.cb_max_requests", 3)
	v.SetDefault("runner.cb_interval", 5*time.Second)
	v.SetDefault("runner.cb_timeout", 30*time.Second)
	v.SetDefault("runner.rate_limit", 100)
	v.SetDefault("runner.rate_burst", 20)
	v.SetDefault("runner.call_timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: PEM прямо в ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
