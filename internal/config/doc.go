// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level arbnet configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Fleet    FleetConfig    `json:"fleet"`
	Market   MarketConfig   `json:"market"`
	Bus      BusConfig      `json:"bus"`
	Redis    RedisConfig    `json:"redis"`
	Observer ObserverConfig `json:"observer"`
}

// FleetConfig holds agent-fleet settings.
type FleetConfig struct {
	// SpecsPath points at the fleet.yaml listing the product agents.
	SpecsPath string `json:"specsPath,omitempty"`
	// MaxConcurrentAgents caps the fleet size.
	MaxConcurrentAgents int `json:"maxConcurrentAgents,omitempty"`
	// HealthCheckIntervalMS is the manager's health-check cadence.
	HealthCheckIntervalMS int `json:"healthCheckIntervalMs,omitempty"`
}

// MarketConfig holds marketplace thresholds.
type MarketConfig struct {
	// ConvergenceTolerance is the negotiation acceptance band, as a
	// fraction of the previous offer.
	ConvergenceTolerance float64 `json:"convergenceTolerance,omitempty"`
	// NegotiationDeadlineMS bounds how long a negotiation may run.
	NegotiationDeadlineMS int `json:"negotiationDeadlineMs,omitempty"`
	// ClearingIntervalMS is the expiry-sweep cadence.
	ClearingIntervalMS int `json:"clearingIntervalMs,omitempty"`
	// TransportCostPerUnit feeds the flat-rate cost estimator.
	TransportCostPerUnit float64 `json:"transportCostPerUnit,omitempty"`
}

// BusConfig selects and tunes the message transport.
type BusConfig struct {
	// Backend is "memory" (default, single process) or "nats".
	Backend string `json:"backend,omitempty"`
	// URL is the NATS server address when Backend is "nats".
	URL string `json:"url,omitempty"`
	// SubjectPrefix namespaces NATS subjects.
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
	MaxReconnects int    `json:"maxReconnects,omitempty"`
}

// RedisConfig holds the optional persistence cache settings. An empty URL
// disables caching entirely.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// ObserverConfig holds the HTTP/WebSocket surface settings.
type ObserverConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults: in-memory
// bus, no cache, observer on 18790.
func DefaultConfig() Config {
	return Config{
		Fleet: FleetConfig{
			SpecsPath:             "fleet.yaml",
			MaxConcurrentAgents:   10,
			HealthCheckIntervalMS: 30_000,
		},
		Market: MarketConfig{
			ConvergenceTolerance:  0.05,
			NegotiationDeadlineMS: int((30 * time.Minute).Milliseconds()),
			ClearingIntervalMS:    int((60 * time.Second).Milliseconds()),
			TransportCostPerUnit:  5,
		},
		Bus: BusConfig{
			Backend:       "memory",
			SubjectPrefix: "arbnet",
		},
		Observer: ObserverConfig{
			Enabled: true,
			Port:    18790,
		},
	}
}

// NegotiationDeadline converts the configured milliseconds.
func (m MarketConfig) NegotiationDeadline() time.Duration {
	return time.Duration(m.NegotiationDeadlineMS) * time.Millisecond
}

// ClearingInterval converts the configured milliseconds.
func (m MarketConfig) ClearingInterval() time.Duration {
	return time.Duration(m.ClearingIntervalMS) * time.Millisecond
}

// HealthCheckInterval converts the configured milliseconds.
func (f FleetConfig) HealthCheckInterval() time.Duration {
	return time.Duration(f.HealthCheckIntervalMS) * time.Millisecond
}
