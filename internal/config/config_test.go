package config_test

import (
	"SpotEngine/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v, err := config.New("")
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, 15*time.Second, cfg.PersistDrainTimeout)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.Debug)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SPOT_NATS_URL", "nats://broker:4222")
	t.Setenv("SPOT_PERSIST_FLUSH_TIMEOUT", "250ms")
	t.Setenv("SPOT_DEBUG", "true")

	v, err := config.New("")
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistFlushTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":18080\"\npersist:\n  batch_size: 7\n"), 0o600))

	v, err := config.New(path)
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.PersistBatchSize)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := config.New(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	v, err := config.New("")
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("grpc-addr", "", "")
	require.NoError(t, config.BindFlags(v, flags, map[string]string{"server.grpc_addr": "grpc-addr"}))
	require.NoError(t, flags.Parse([]string{"--grpc-addr=:7000"}))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.GRPCAddr)

	assert.Error(t, config.BindFlags(v, flags, map[string]string{"x": "missing"}))
}

func TestValidate(t *testing.T) {
	v, err := config.New("")
	require.NoError(t, err)
	v.Set("persist.batch_size", 0)
	v.Set("nats.url", "")
	v.Set("persist.drain_timeout", "0s")

	_, err = config.Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist.batch_size must be positive")
	assert.Contains(t, err.Error(), "nats.url is required")
	assert.Contains(t, err.Error(), "persist.drain_timeout must be positive")
}
