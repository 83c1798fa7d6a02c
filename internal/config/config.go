// Package config loads the orchestrator configuration: defaults first,
// then an optional YAML file, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"execflow/internal/domain"
)

// Duration parses "5m"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// BudgetConfig configures one metered resource.
type BudgetConfig struct {
	Kind   string   `yaml:"kind"`
	Class  string   `yaml:"class"` // window | gauge | accumulating
	Limit  float64  `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RouteConfig maps a workflow type to its worker endpoint and the
// resources one dispatch consumes.
type RouteConfig struct {
	Endpoint  string             `yaml:"endpoint"`
	Resources map[string]float64 `yaml:"resources"`
}

// AnomalyConfig tunes the fatal-system detection.
type AnomalyConfig struct {
	FailureRate    float64 `yaml:"failure_rate"`    // rate over the sample window that trips the flag
	MinSamples     int     `yaml:"min_samples"`     // samples required before the rate is meaningful
	ExhaustedTicks int     `yaml:"exhausted_ticks"` // consecutive fully-denied ticks that trip the flag
}

// Config is the whole orchestrator configuration.
type Config struct {
	Addr            string   `yaml:"addr"`
	DBPath          string   `yaml:"db_path"`
	CallbackAddress string   `yaml:"callback_address"`
	Tick            Duration `yaml:"tick"`
	TickJitter      bool     `yaml:"tick_jitter"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"` // deadline for worker completion
	CallTimeout     Duration `yaml:"call_timeout"`     // timeout for the dispatch HTTP call
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`

	BatchSize  int      `yaml:"batch_size"`
	HighWater  int      `yaml:"high_water"`
	LowWater   int      `yaml:"low_water"`
	MaxGrowth  int      `yaml:"max_growth"`
	FairShare  float64  `yaml:"fair_share"`
	BoostAfter Duration `yaml:"boost_after"`

	Budgets []BudgetConfig         `yaml:"budgets"`
	Routes  map[string]RouteConfig `yaml:"routes"`
	Anomaly AnomalyConfig          `yaml:"anomaly"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		DBPath:          "execflow.db",
		CallbackAddress: "http://127.0.0.1:8080/api/v1/callbacks",
		Tick:            Duration(5 * time.Minute),
		TickJitter:      true,
		DispatchTimeout: Duration(5 * time.Minute),
		CallTimeout:     Duration(30 * time.Second),
		MaxAttempts:     3,
		BackoffBase:     Duration(time.Minute),
		BatchSize:       10,
		HighWater:       1000,
		LowWater:        100,
		MaxGrowth:       4,
		FairShare:       0.5,
		BoostAfter:      Duration(30 * time.Minute),
		Budgets: []BudgetConfig{
			{Kind: string(domain.BudgetGeminiRPM), Class: "window", Limit: 60, Window: Duration(time.Minute)},
			{Kind: string(domain.BudgetOpenAIRPM), Class: "window", Limit: 60, Window: Duration(time.Minute)},
			{Kind: string(domain.BudgetDailyCostUSD), Class: "accumulating", Limit: 50},
			{Kind: string(domain.BudgetDBConnections), Class: "gauge", Limit: 80},
			{Kind: string(domain.BudgetMemoryBytes), Class: "gauge", Limit: 512 << 20},
			{Kind: string(domain.BudgetConcurrency), Class: "gauge", Limit: 3},
		},
		Routes: map[string]RouteConfig{
			"content-pipeline": {
				Endpoint: "http://127.0.0.1:9001/run",
				Resources: map[string]float64{
					string(domain.BudgetGeminiRPM):    1,
					string(domain.BudgetDailyCostUSD): 0.10,
				},
			},
			"seo-monitor": {
				Endpoint: "http://127.0.0.1:9002/run",
				Resources: map[string]float64{
					string(domain.BudgetOpenAIRPM):    1,
					string(domain.BudgetDailyCostUSD): 0.02,
				},
			},
			"revenue-optimizer": {
				Endpoint: "http://127.0.0.1:9003/run",
				Resources: map[string]float64{
					string(domain.BudgetDBConnections): 2,
					string(domain.BudgetDailyCostUSD):  0.01,
				},
			},
			"intelligence-engine": {
				Endpoint: "http://127.0.0.1:9004/run",
				Resources: map[string]float64{
					string(domain.BudgetGeminiRPM):    2,
					string(domain.BudgetOpenAIRPM):    1,
					string(domain.BudgetDailyCostUSD): 0.25,
				},
			},
		},
		Anomaly: AnomalyConfig{
			FailureRate:    0.5,
			MinSamples:     10,
			ExhaustedTicks: 5,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults stand
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Tick.Std() <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	if c.DispatchTimeout.Std() <= 0 {
		return fmt.Errorf("dispatch_timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.FairShare <= 0 || c.FairShare > 1 {
		return fmt.Errorf("fair_share must be in (0, 1]")
	}
	if c.LowWater >= c.HighWater {
		return fmt.Errorf("low_water must be below high_water")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one workflow route is required")
	}
	for wft, r := range c.Routes {
		if r.Endpoint == "" {
			return fmt.Errorf("route %s: endpoint is required", wft)
		}
	}
	hasConcurrency := false
	for _, b := range c.Budgets {
		switch b.Class {
		case "window":
			if b.Window.Std() <= 0 {
				return fmt.Errorf("budget %s: window class requires a window", b.Kind)
			}
		case "gauge", "accumulating":
		default:
			return fmt.Errorf("budget %s: unknown class %q", b.Kind, b.Class)
		}
		if b.Limit <= 0 {
			return fmt.Errorf("budget %s: limit must be positive", b.Kind)
		}
		if b.Kind == string(domain.BudgetConcurrency) {
			hasConcurrency = true
		}
	}
	if !hasConcurrency {
		return fmt.Errorf("a %s budget is required", domain.BudgetConcurrency)
	}
	return nil
}
