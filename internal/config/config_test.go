package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// --- Load Tests ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom("", env(nil))
	require.NoError(t, err)

	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Controller.RollbackLimit)
	require.Equal(t, 3, cfg.Controller.NotificationLimit)
	require.Equal(t, 5*time.Second, cfg.Jobs.ProcessingTolerance)
	require.NotEmpty(t, cfg.InstanceID)
	require.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rex.toml")
	data := `
instance_id = "node-a"

[server]
port = 9000
callback_base_url = "http://rex.internal:9000"

[store]
backend = "etcd"
etcd_endpoints = ["etcd-1:2379"]

[controller]
default_concurrency = 4
clean_on_finish = true

[jobs]
processing_tolerance = "2s"
lease_ttl = "1m"

[maintenance]
try_clean = "*/5 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadFrom(path, env(map[string]string{
		"API_PORT":       "9100",
		"ETCD_ENDPOINTS": "etcd-1:2379,etcd-2:2379",
	}))
	require.NoError(t, err)

	require.Equal(t, "node-a", cfg.InstanceID)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "http://rex.internal:9000", cfg.Server.CallbackBaseURL)
	require.Equal(t, BackendEtcd, cfg.Store.Backend)
	require.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Store.EtcdEndpoints)
	require.Equal(t, 4, cfg.Controller.DefaultConcurrency)
	require.True(t, cfg.Controller.CleanOnFinish)
	require.Equal(t, 2*time.Second, cfg.Jobs.ProcessingTolerance)
	require.Equal(t, time.Minute, cfg.Jobs.LeaseTTL)
	require.Equal(t, "*/5 * * * *", cfg.Maintenance.TryClean)
	// Не заданное в файле остаётся по умолчанию
	require.Equal(t, "@every 5m", cfg.Maintenance.SyncCounters)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.toml"), env(nil))
	require.Error(t, err)
}

func TestLoad_BadNumber(t *testing.T) {
	_, err := LoadFrom("", env(map[string]string{"API_PORT": "http"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_BadBoolean(t *testing.T) {
	_, err := LoadFrom("", env(map[string]string{"CLEAN_ON_FINISH": "maybe"}))
	require.ErrorIs(t, err, ErrInvalid)
}

// --- Validate Tests ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"postgres", func(c *Config) { c.Store.Backend = BackendPostgres }, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, false},
		{"etcd without endpoints", func(c *Config) { c.Store.Backend = BackendEtcd }, false},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, false},
		{"negative concurrency", func(c *Config) { c.Controller.DefaultConcurrency = -1 }, false},
		{"distribute without broker", func(c *Config) { c.Broker.DistributeEffects = true }, false},
		{"bad cron", func(c *Config) { c.Maintenance.Reconcile = "every minute" }, false},
		{"disabled pass", func(c *Config) { c.Maintenance.Reconcile = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestDecode(t *testing.T) {
	cfg, err := Decode(`
[broker]
url = "amqp://guest:guest@mq:5672/"
distribute_effects = true

[remote]
max_attempts = 2
idle_timeout = "45s"
`)
	require.NoError(t, err)
	require.True(t, cfg.Broker.DistributeEffects)
	require.Equal(t, 2, cfg.Remote.MaxAttempts)
	require.Equal(t, 45*time.Second, cfg.Remote.IdleTimeout)
}
