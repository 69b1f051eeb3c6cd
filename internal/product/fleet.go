package product

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetSpec defines a single product agent's configuration (from
// fleet.yaml).
type FleetSpec struct {
	ProductID                string  `yaml:"product_id" json:"productId"`
	Name                     string  `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled                  *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DecisionIntervalMS       int     `yaml:"decision_interval_ms,omitempty" json:"decisionIntervalMs,omitempty"`
	MaxConcurrentActions     int     `yaml:"max_concurrent_actions,omitempty" json:"maxConcurrentActions,omitempty"`
	LowStockThreshold        int     `yaml:"low_stock_threshold,omitempty" json:"lowStockThreshold,omitempty"`
	HighStockThreshold       int     `yaml:"high_stock_threshold,omitempty" json:"highStockThreshold,omitempty"`
	MinProfitMargin          float64 `yaml:"min_profit_margin,omitempty" json:"minProfitMargin,omitempty"`
	MaxTransportCostRatio    float64 `yaml:"max_transport_cost_ratio,omitempty" json:"maxTransportCostRatio,omitempty"`
	ForecastUpdateIntervalMS int     `yaml:"forecast_update_interval_ms,omitempty" json:"forecastUpdateIntervalMs,omitempty"`
	ExecutionConfidence      float64 `yaml:"execution_confidence,omitempty" json:"executionConfidence,omitempty"`
	BidPriceDiscount         float64 `yaml:"bid_price_discount,omitempty" json:"bidPriceDiscount,omitempty"`
}

// fleetFile is the top-level structure of fleet.yaml.
type fleetFile struct {
	Agents []FleetSpec `yaml:"agents"`
}

// LoadFleetSpecs reads and parses a fleet.yaml file. A missing file means
// an empty fleet, not an error.
func LoadFleetSpecs(path string) ([]FleetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fleet.yaml: %w", err)
	}

	var f fleetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet.yaml: %w", err)
	}
	for i, spec := range f.Agents {
		if spec.ProductID == "" {
			return nil, fmt.Errorf("fleet.yaml: agents[%d] missing product_id", i)
		}
	}
	return f.Agents, nil
}

// AgentID is the runtime identity derived from the product.
func (s FleetSpec) AgentID() string { return "product-" + s.ProductID }

// IsEnabled defaults to true when the field is omitted.
func (s FleetSpec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ProductConfig maps the spec onto the behavior's policy knobs; zero
// values fall through to the behavior defaults.
func (s FleetSpec) ProductConfig() Config {
	return Config{
		ProductID:              s.ProductID,
		LowStockThreshold:      s.LowStockThreshold,
		HighStockThreshold:     s.HighStockThreshold,
		MinProfitMargin:        s.MinProfitMargin,
		MaxTransportCostRatio:  s.MaxTransportCostRatio,
		ForecastUpdateInterval: time.Duration(s.ForecastUpdateIntervalMS) * time.Millisecond,
		ExecutionConfidence:    s.ExecutionConfidence,
		BidPriceDiscount:       s.BidPriceDiscount,
	}
}

// DecisionInterval converts the spec's milliseconds, zero meaning the
// runtime default.
func (s FleetSpec) DecisionInterval() time.Duration {
	return time.Duration(s.DecisionIntervalMS) * time.Millisecond
}
