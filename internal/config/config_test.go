package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Schema Tests ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "fleet.yaml", cfg.Fleet.SpecsPath)
	assert.Equal(t, 10, cfg.Fleet.MaxConcurrentAgents)
	assert.Equal(t, 0.05, cfg.Market.ConvergenceTolerance)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, "arbnet", cfg.Bus.SubjectPrefix)
	assert.True(t, cfg.Observer.Enabled)
	assert.Equal(t, 18790, cfg.Observer.Port)
	assert.Empty(t, cfg.Redis.URL, "cache is opt-in")
}

func TestConfig_JSON_RoundTrip(t *testing.T) {
	original := Config{
		Fleet: FleetConfig{SpecsPath: "custom.yaml", MaxConcurrentAgents: 3},
		Market: MarketConfig{
			ConvergenceTolerance: 0.02,
			TransportCostPerUnit: 7.5,
		},
		Bus:   BusConfig{Backend: "nats", URL: "nats://localhost:4222"},
		Redis: RedisConfig{URL: "redis://localhost:6379", DB: 2},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

// --- Loader Tests ---

func TestGetConfigPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/arbnet/config.json")
	assert.Equal(t, "/etc/arbnet/config.json", GetConfigPath())

	t.Setenv(EnvConfigPath, "")
	p := GetConfigPath()
	assert.Equal(t, "config.json", filepath.Base(p))
	assert.Equal(t, ".arbnet", filepath.Base(filepath.Dir(p)))
}

func TestLoad_EmptyPathHonorsEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Fleet.SpecsPath = "env-fleet.yaml"
	require.NoError(t, Save(cfg, path))

	t.Setenv(EnvConfigPath, path)
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-fleet.yaml", loaded.Fleet.SpecsPath)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bus":{"backend":"nats","url":"nats://broker:4222"}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Bus.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.Bus.URL)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.05, cfg.Market.ConvergenceTolerance)
	assert.Equal(t, 18790, cfg.Observer.Port)
}

func TestLoad_InvalidJSONFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Fleet.SpecsPath = "prod-fleet.yaml"
	cfg.Observer.APIKey = "secret"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*60*1000, cfg.Market.NegotiationDeadlineMS)
	assert.Equal(t, int64(cfg.Market.NegotiationDeadlineMS), cfg.Market.NegotiationDeadline().Milliseconds())
	assert.Equal(t, int64(cfg.Fleet.HealthCheckIntervalMS), cfg.Fleet.HealthCheckInterval().Milliseconds())
}
