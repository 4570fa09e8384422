// Package config загружает конфигурацию сервисов.
//
// Порядок: значения по умолчанию → TOML-файл → переменные окружения.
// Результат проверяется через validator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/repo"
)

// EnvPath — переменная окружения с путём к TOML-файлу.
const EnvPath = "FLEET_CONFIG"

// ErrInvalid — конфигурация не прошла проверку.
var ErrInvalid = errors.New("invalid config")

// Duration — time.Duration, читаемая из строки TOML ("30s", "5m").
type Duration time.Duration

// UnmarshalText реализует encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText реализует encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D возвращает значение как time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config — конфигурация всех сервисов.
type Config struct {
	Database  Database  `toml:"database"`
	Redis     Redis     `toml:"redis"`
	RabbitMQ  RabbitMQ  `toml:"rabbitmq"`
	Worker    Worker    `toml:"worker"`
	Scheduler Scheduler `toml:"scheduler"`
	Atour     Atour     `toml:"atour"`
	Resource  Resource  `toml:"resource"`
	Server    Server    `toml:"server"`
}

type Database struct {
	URL      string `toml:"url" validate:"required"`
	MaxConns int32  `toml:"max_conns" validate:"gte=0"`
}

type Redis struct {
	Addr          string `toml:"addr" validate:"required,hostname_port"`
	Password      string `toml:"password"`
	DB            int    `toml:"db" validate:"gte=0"`
	Prefix        string `toml:"prefix" validate:"required"`
	KeepCompleted int    `toml:"keep_completed"`
	KeepFailed    int    `toml:"keep_failed"`
}

type RabbitMQ struct {
	// URL — пусто отключает публикацию событий.
	URL string `toml:"url" validate:"omitempty,url"`
}

type Worker struct {
	Enabled         bool     `toml:"enabled"`
	PollInterval    Duration `toml:"poll_interval" validate:"gt=0"`
	LeaseDuration   Duration `toml:"lease_duration" validate:"gt=0"`
	RecoverInterval Duration `toml:"recover_interval" validate:"gt=0"`
	SyncInterval    Duration `toml:"sync_interval" validate:"gt=0"`
}

type Scheduler struct {
	TickInterval Duration `toml:"tick_interval" validate:"gt=0"`
	Timezone     string   `toml:"timezone" validate:"required,timezone"`
	LockKey      int64    `toml:"lock_key"`
}

type Atour struct {
	BaseURL       string   `toml:"base_url" validate:"required,url"`
	Timeout       Duration `toml:"timeout" validate:"gt=0"`
	RateLimit     int      `toml:"rate_limit" validate:"gte=1"`
	TokenHeader   string   `toml:"token_header" validate:"required"`
	FallbackToken string   `toml:"fallback_token"`
}

type Resource struct {
	// PrivateKeyPath — PEM-ключ для расшифровки токенов пула.
	PrivateKeyPath   string   `toml:"private_key_path" validate:"omitempty,file"`
	DialTimeout      Duration `toml:"dial_timeout" validate:"gt=0"`
	LatencyThreshold Duration `toml:"latency_threshold" validate:"gt=0"`
	Parallelism      int      `toml:"parallelism" validate:"gte=1"`
}

type Server struct {
	APIPort       int    `toml:"api_port" validate:"gte=1,lte=65535"`
	WorkerPort    int    `toml:"worker_port" validate:"gte=1,lte=65535"`
	SchedulerPort int    `toml:"scheduler_port" validate:"gte=1,lte=65535"`
	APIURL        string `toml:"api_url" validate:"required,url"`
}

// Default возвращает конфигурацию для локальной разработки.
func Default() *Config {
	return &Config{
		Database: Database{URL: repo.DefaultDSN, MaxConns: 10},
		Redis: Redis{
			Addr:          "localhost:6379",
			Prefix:        "fleet",
			KeepCompleted: 1000,
			KeepFailed:    5000,
		},
		RabbitMQ: RabbitMQ{URL: mq.DefaultURL()},
		Worker: Worker{
			Enabled:         true,
			PollInterval:    Duration(time.Second),
			LeaseDuration:   Duration(30 * time.Second),
			RecoverInterval: Duration(15 * time.Second),
			SyncInterval:    Duration(30 * time.Second),
		},
		Scheduler: Scheduler{
			TickInterval: Duration(time.Second),
			Timezone:     "UTC",
			LockKey:      0x666c656574,
		},
		Atour: Atour{
			BaseURL:     "http://localhost:9090",
			Timeout:     Duration(12 * time.Second),
			RateLimit:   5,
			TokenHeader: "token",
		},
		Resource: Resource{
			DialTimeout:      Duration(5 * time.Second),
			LatencyThreshold: Duration(2 * time.Second),
			Parallelism:      8,
		},
		Server: Server{
			APIPort:       8080,
			WorkerPort:    8082,
			SchedulerPort: 8083,
			APIURL:        "http://localhost:8080",
		},
	}
}

// Load читает конфигурацию. Если path пуст, используется FLEET_CONFIG;
// если и он пуст, файл не читается.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Location возвращает часовой пояс планировщика.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyEnv применяет переменные окружения поверх файла.
func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	var errs []error
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("DB_URL", &cfg.Database.URL)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)

	str("RABBITMQ_URL", &cfg.RabbitMQ.URL)

	if v := os.Getenv("WORKER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORKER_ENABLED: %w", err))
		} else {
			cfg.Worker.Enabled = b
		}
	}
	dur("WORKER_POLL_INTERVAL", &cfg.Worker.PollInterval)
	dur("MODULE_SYNC_INTERVAL", &cfg.Worker.SyncInterval)

	dur("SCHEDULER_TICK_INTERVAL", &cfg.Scheduler.TickInterval)
	str("SCHEDULER_TIMEZONE", &cfg.Scheduler.Timezone)

	str("ATOUR_BASE_URL", &cfg.Atour.BaseURL)
	dur("ATOUR_TIMEOUT", &cfg.Atour.Timeout)
	num("ATOUR_RATE_LIMIT", &cfg.Atour.RateLimit)
	str("FALLBACK_TOKEN", &cfg.Atour.FallbackToken)

	str("TOKEN_PRIVATE_KEY", &cfg.Resource.PrivateKeyPath)

	num("API_PORT", &cfg.Server.APIPort)
	num("WORKER_PORT", &cfg.Server.WorkerPort)
	num("SCHEDULER_PORT", &cfg.Server.SchedulerPort)
	str("FLEET_API_URL", &cfg.Server.APIURL)

	return errors.Join(errs...)
}
