// Package config загружает конфигурацию rex-server.
//
// Источники в порядке приоритета:
//  1. переменные окружения (DB_URL, RABBITMQ_URL, API_PORT, ...)
//  2. TOML-файл, путь к которому задан в REX_CONFIG
//  3. значения по умолчанию
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Backends хранилища.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// ErrInvalid — конфигурация не прошла проверку.
var ErrInvalid = errors.New("invalid configuration")

// Config — конфигурация узла.
type Config struct {
	InstanceID string `toml:"instance_id"`

	Server      ServerConfig      `toml:"server"`
	Store       StoreConfig       `toml:"store"`
	Broker      BrokerConfig      `toml:"broker"`
	Controller  ControllerConfig  `toml:"controller"`
	Txn         RetryConfig       `toml:"txn"`
	Remote      RemoteConfig      `toml:"remote"`
	Jobs        JobsConfig        `toml:"jobs"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// ServerConfig — HTTP API.
type ServerConfig struct {
	Port int `toml:"port"`

	// CallbackBaseURL — адрес API, доступный удалённым системам.
	CallbackBaseURL string `toml:"callback_base_url"`

	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// StoreConfig — backend хранилища.
type StoreConfig struct {
	Backend       string   `toml:"backend"`
	DatabaseURL   string   `toml:"database_url"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	EtcdPrefix    string   `toml:"etcd_prefix"`
}

// BrokerConfig — RabbitMQ. Пустой URL — работа без брокера.
type BrokerConfig struct {
	URL string `toml:"url"`

	// DistributeEffects — выполнять внутренние эффекты на любом узле через rex.effects.
	DistributeEffects bool `toml:"distribute_effects"`
}

// ControllerConfig — параметры контроллера.
type ControllerConfig struct {
	DefaultConcurrency int  `toml:"default_concurrency"`
	RollbackLimit      int  `toml:"rollback_limit"`
	NotificationLimit  int  `toml:"notification_limit"`
	CleanOnFinish      bool `toml:"clean_on_finish"`
}

// RetryConfig — повтор транзакций при конфликте версий.
type RetryConfig struct {
	MaxAttempts     int           `toml:"max_attempts"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
}

// RemoteConfig — HTTP-вызовы удалённых систем.
type RemoteConfig struct {
	MaxAttempts     int           `toml:"max_attempts"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
}

// JobsConfig — контрольные job и аренда узла.
type JobsConfig struct {
	ProcessingTolerance time.Duration `toml:"processing_tolerance"`
	LeaseTTL            time.Duration `toml:"lease_ttl"`
	TouchInterval       time.Duration `toml:"touch_interval"`
}

// MaintenanceConfig — cron-расписания фоновых проходов. Пустая строка отключает проход.
type MaintenanceConfig struct {
	TryClean     string `toml:"try_clean"`
	SyncCounters string `toml:"sync_counters"`
	AdoptJobs    string `toml:"adopt_jobs"`
	Reconcile    string `toml:"reconcile"`
	PokeQueues   string `toml:"poke_queues"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CallbackBaseURL: "http://localhost:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			EtcdPrefix: "/rex",
		},
		Controller: ControllerConfig{
			DefaultConcurrency: 10,
			RollbackLimit:      3,
			NotificationLimit:  3,
		},
		Txn: RetryConfig{
			MaxAttempts:     20,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
		},
		Remote: RemoteConfig{
			MaxAttempts:     5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			IdleTimeout:     30 * time.Second,
		},
		Jobs: JobsConfig{
			ProcessingTolerance: 5 * time.Second,
			LeaseTTL:            30 * time.Second,
			TouchInterval:       10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			TryClean:     "@every 1m",
			SyncCounters: "@every 5m",
			AdoptJobs:    "@every 30s",
			Reconcile:    "@every 2m",
			PokeQueues:   "@every 30s",
		},
	}
}

// LookupFunc — источник переменных окружения.
type LookupFunc func(key string) (string, bool)

// Load читает конфигурацию из REX_CONFIG и окружения процесса.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("REX_CONFIG"), os.LookupEnv)
}

// LoadFrom читает TOML-файл path (если задан) и применяет переменные из lookup.
func LoadFrom(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	return cfg, cfg.Validate()
}

// Decode разбирает TOML из строки поверх значений по умолчанию.
func Decode(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v)
		}
		*dst = b
		return nil
	}

	str("INSTANCE_ID", &cfg.InstanceID)
	str("REX_STORE", &cfg.Store.Backend)
	str("DB_URL", &cfg.Store.DatabaseURL)
	str("RABBITMQ_URL", &cfg.Broker.URL)
	str("CALLBACK_BASE_URL", &cfg.Server.CallbackBaseURL)

	if v, ok := lookup("ETCD_ENDPOINTS"); ok && v != "" {
		cfg.Store.EtcdEndpoints = strings.Split(v, ",")
	}

	return errors.Join(
		num("API_PORT", &cfg.Server.Port),
		num("DEFAULT_CONCURRENCY", &cfg.Controller.DefaultConcurrency),
		num("ROLLBACK_LIMIT", &cfg.Controller.RollbackLimit),
		num("NOTIFICATION_LIMIT", &cfg.Controller.NotificationLimit),
		flag("CLEAN_ON_FINISH", &cfg.Controller.CleanOnFinish),
		flag("DISTRIBUTE_EFFECTS", &cfg.Broker.DistributeEffects),
	)
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory, BackendPostgres:
	case BackendEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			errs = append(errs, fmt.Errorf("%w: etcd backend requires endpoints", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Server.Port))
	}
	if c.Controller.DefaultConcurrency < 0 {
		errs = append(errs, fmt.Errorf("%w: default concurrency must be non-negative", ErrInvalid))
	}
	if c.Broker.DistributeEffects && c.Broker.URL == "" {
		errs = append(errs, fmt.Errorf("%w: distribute_effects requires a broker url", ErrInvalid))
	}

	specs := map[string]string{
		"try_clean":     c.Maintenance.TryClean,
		"sync_counters": c.Maintenance.SyncCounters,
		"adopt_jobs":    c.Maintenance.AdoptJobs,
		"reconcile":     c.Maintenance.Reconcile,
		"poke_queues":   c.Maintenance.PokeQueues,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%w: maintenance.%s: %v", ErrInvalid, name, err))
		}
	}

	return errors.Join(errs...)
}

// Addr возвращает адрес HTTP-сервера.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
