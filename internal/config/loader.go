package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the default config location when set.
const EnvConfigPath = "ARBNET_CONFIG"

// GetConfigPath resolves the config file path: $ARBNET_CONFIG when set,
// otherwise ~/.arbnet/config.json.
func GetConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".arbnet", "config.json")
}

// Load reads configuration from a JSON file. An empty path resolves via
// GetConfigPath; a missing file yields DefaultConfig.
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so omitted fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes configuration to a JSON file, creating parent directories.
// The file is written 0600: the config may carry the observer API key and
// redis credentials.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
