package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы событий.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bus      BusConfig      `mapstructure:"bus"`
	Failover FailoverConfig `mapstructure:"failover"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Лимит публикаций через HTTP (req/sec + burst)
	PublishRateLimit float64 `mapstructure:"publish_rate_limit"`
	PublishBurst     int     `mapstructure:"publish_burst"`
}

// BrokerConfig выбирает транспорт нотификаций. Стор остается source of truth,
// брокер — только fan-out.
type BrokerConfig struct {
	Backend string `mapstructure:"backend"` // memory, redis, nats
	NatsURL string `mapstructure:"nats_url"`
}

// StoreConfig выбирает бэкенд хранилища событий.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // redis, postgres
	PostgresURL string `mapstructure:"postgres_url"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, Store, реестр подписок).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig содержит настройки оркестратора шины.
type BusConfig struct {
	MaxRetryAttempts      int           `mapstructure:"max_retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	EventTTLDays          int           `mapstructure:"event_ttl_days"`
	BatchSize             int           `mapstructure:"batch_size"`
	WorkerConcurrency     int           `mapstructure:"worker_concurrency"`
	EnableTenantIsolation bool          `mapstructure:"enable_tenant_isolation"`
	MetricsEnabled        bool          `mapstructure:"metrics_enabled"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
}

// CircuitBreakerConfig — глобальные пороги предохранителя.
// Могут перекрываться per-integration через Failover.Overrides.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// FailoverConfig содержит настройки контроллера отказоустойчивости.
type FailoverConfig struct {
	CircuitBreaker CircuitBreakerConfig            `mapstructure:"circuit_breaker"`
	Overrides      map[string]CircuitBreakerConfig `mapstructure:"overrides"` // ключ — имя интеграции
	AuditRingSize  int                             `mapstructure:"audit_ring_size"`
	AuditSink      bool                            `mapstructure:"audit_sink"` // писать аудит в Postgres
	// Реестр интеграций и их целей; ключ — имя интеграции
	Integrations map[string]IntegrationConfig `mapstructure:"integrations"`
}

// IntegrationConfig описывает одну внешнюю интеграцию.
type IntegrationConfig struct {
	Category string         `mapstructure:"category"` // payment, marketing, communication, ecommerce, ai, infrastructure
	Targets  []TargetConfig `mapstructure:"targets"`
}

// TargetConfig — один из взвешенных эндпоинтов интеграции.
type TargetConfig struct {
	Name        string  `mapstructure:"name"`
	Priority    int     `mapstructure:"priority"` // меньше = предпочтительнее
	Weight      float64 `mapstructure:"weight"`   // 0..1
	HealthScore float64 `mapstructure:"health_score"`
}

// AuthConfig — секрет для bearer-токенов админского периметра
// (manual failover, сброс предохранителей).
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
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

	// 2. ENV перекрывает файл: BUS_WORKER_CONCURRENCY=20 перекроет bus.worker_concurrency
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.publish_rate_limit", 200.0)
	v.SetDefault("server.publish_burst", 50)

	v.SetDefault("broker.backend", "redis")
	v.SetDefault("broker.nats_url", "nats://localhost:4222")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("bus.max_retry_attempts", 3)
	v.SetDefault("bus.retry_delay", 5*time.Second)
	v.SetDefault("bus.event_ttl_days", 30)
	v.SetDefault("bus.batch_size", 100)
	v.SetDefault("bus.worker_concurrency", 10)
	v.SetDefault("bus.enable_tenant_isolation", true)
	v.SetDefault("bus.metrics_enabled", true)
	v.SetDefault("bus.health_check_interval", 30*time.Second)

	v.SetDefault("failover.circuit_breaker.failure_threshold", 5)
	v.SetDefault("failover.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("failover.circuit_breaker.half_open_max_calls", 3)
	v.SetDefault("failover.audit_ring_size", 1000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// BreakerFor возвращает пороги предохранителя для интеграции
// с учетом per-integration перекрытий.
func (c *FailoverConfig) BreakerFor(integration string) CircuitBreakerConfig {
	if o, ok := c.Overrides[integration]; ok {
		cb := c.CircuitBreaker
		if o.FailureThreshold > 0 {
			cb.FailureThreshold = o.FailureThreshold
		}
		if o.Timeout > 0 {
			cb.Timeout = o.Timeout
		}
		if o.HalfOpenMaxCalls > 0 {
			cb.HalfOpenMaxCalls = o.HalfOpenMaxCalls
		}
		return cb
	}
	return c.CircuitBreaker
}

// EventTTL — срок жизни события до логического удаления TTL-клинером.
func (c *BusConfig) EventTTL() time.Duration {
	return time.Duration(c.EventTTLDays) * 24 * time.Hour
}
