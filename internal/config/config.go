// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Capital     CapitalConfig     `yaml:"capital"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Gatekeeper  GatekeeperConfig  `yaml:"gatekeeper"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Arbiter     ArbiterConfig     `yaml:"arbiter"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel       string `yaml:"log_level"`
	TickIntervalMs int    `yaml:"tick_interval_ms"`
}

// CapitalConfig describes the capital pool and its family split.
// Allocation fractions must sum to at most 1.0.
type CapitalConfig struct {
	TotalCapital float64            `yaml:"total_capital"`
	Allocations  map[string]float64 `yaml:"allocations"`
	// StrategyFamilies maps a strategy id to its budget family.
	// Strategies absent from the map are treated as their own family.
	StrategyFamilies map[string]string `yaml:"strategy_families"`
}

// FamilyOf resolves a strategy id to its budget family. Strategies
// without an explicit mapping are their own family.
func (c *CapitalConfig) FamilyOf(strategyID string) string {
	if family, ok := c.StrategyFamilies[strategyID]; ok {
		return family
	}
	return strategyID
}

// SizingConfig contains position sizer parameters
type SizingConfig struct {
	KellyFraction         float64 `yaml:"kelly_fraction"`         // fractional-Kelly discount, e.g. 0.5
	MinPositionPct        float64 `yaml:"min_position_pct"`       // lower clip of the sized fraction
	MaxPositionPct        float64 `yaml:"max_position_pct"`       // upper clip of the sized fraction
	MinKellyHistory       int     `yaml:"min_kelly_history"`      // trades required before historical Kelly
	MinPayoffRatio        float64 `yaml:"min_payoff_ratio"`       // floor for the payoff ratio b
	ShockRegimeThreshold  float64 `yaml:"shock_regime_threshold"` // dominant shock probability trigger
	ShockRegimeMultiplier float64 `yaml:"shock_regime_multiplier"`
}

// CorrelationConfig contains correlation tracker parameters
type CorrelationConfig struct {
	HistoryCapacity  int     `yaml:"history_capacity"`
	HalfLifeDays     float64 `yaml:"half_life_days"`
	MinObservations  int     `yaml:"min_observations"`
	MinAlignedDays   int     `yaml:"min_aligned_days"`
	ExtremeThreshold float64 `yaml:"extreme_threshold"`
}

// GatekeeperConfig contains per-estimator thresholds
type GatekeeperConfig struct {
	Impact   ImpactConfig   `yaml:"impact"`
	Informed InformedConfig `yaml:"informed"`
	Spread   SpreadConfig   `yaml:"spread"`
}

// ImpactConfig tunes the market-impact estimator
type ImpactConfig struct {
	WindowSize     int     `yaml:"window_size"`
	BaselineSize   int     `yaml:"baseline_size"`
	ReduceMultiple float64 `yaml:"reduce_multiple"`
	HaltMultiple   float64 `yaml:"halt_multiple"`
}

// InformedConfig tunes the informed-trading estimator
type InformedConfig struct {
	WindowSize      int     `yaml:"window_size"`
	BucketVolume    float64 `yaml:"bucket_volume"`
	MaxBuckets      int     `yaml:"max_buckets"`
	ReduceThreshold float64 `yaml:"reduce_threshold"`
	HaltThreshold   float64 `yaml:"halt_threshold"`
}

// SpreadConfig tunes the spread-stress estimator
type SpreadConfig struct {
	WindowSize   int `yaml:"window_size"`
	BaselineSize int `yaml:"baseline_size"`
}

// LedgerConfig contains decision ledger settings
type LedgerConfig struct {
	Capacity   int    `yaml:"capacity"`
	ExportPath string `yaml:"export_path"`
}

// ArbiterConfig contains arbiter ranking parameters
type ArbiterConfig struct {
	MinExpectedValue   float64 `yaml:"min_expected_value"`
	CorrelationPenalty float64 `yaml:"correlation_penalty"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ResolvePoolSize   int `yaml:"resolve_pool_size"`
	ResolvePoolBuffer int `yaml:"resolve_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCapitalConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSizingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCorrelationConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGatekeeperConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLedgerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.TickIntervalMs <= 0 {
		return ValidationError{
			Field:   "system.tick_interval_ms",
			Value:   c.System.TickIntervalMs,
			Message: "tick interval must be positive",
		}
	}
	return nil
}

func (c *Config) validateCapitalConfig() error {
	if c.Capital.TotalCapital < 0 {
		return ValidationError{
			Field:   "capital.total_capital",
			Value:   c.Capital.TotalCapital,
			Message: "total capital cannot be negative",
		}
	}
	if len(c.Capital.Allocations) == 0 {
		return ValidationError{
			Field:   "capital.allocations",
			Message: "at least one family allocation is required",
		}
	}
	sum := 0.0
	for family, frac := range c.Capital.Allocations {
		if frac < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("capital.allocations.%s", family),
				Value:   frac,
				Message: "allocation fraction cannot be negative",
			}
		}
		sum += frac
	}
	if sum > 1.0+1e-9 {
		return ValidationError{
			Field:   "capital.allocations",
			Value:   sum,
			Message: "allocation fractions must sum to at most 1.0",
		}
	}
	return nil
}

func (c *Config) validateSizingConfig() error {
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return ValidationError{
			Field:   "sizing.kelly_fraction",
			Value:   c.Sizing.KellyFraction,
			Message: "must be in (0, 1]",
		}
	}
	if c.Sizing.MinPositionPct < 0 || c.Sizing.MaxPositionPct <= 0 ||
		c.Sizing.MinPositionPct > c.Sizing.MaxPositionPct {
		return ValidationError{
			Field:   "sizing.min_position_pct",
			Value:   c.Sizing.MinPositionPct,
			Message: "position pct band must satisfy 0 <= min <= max",
		}
	}
	return nil
}

func (c *Config) validateCorrelationConfig() error {
	if c.Correlation.HalfLifeDays <= 0 {
		return ValidationError{
			Field:   "correlation.half_life_days",
			Value:   c.Correlation.HalfLifeDays,
			Message: "half-life must be positive",
		}
	}
	if c.Correlation.HistoryCapacity < c.Correlation.MinObservations {
		return ValidationError{
			Field:   "correlation.history_capacity",
			Value:   c.Correlation.HistoryCapacity,
			Message: "history capacity must hold at least the minimum observations",
		}
	}
	return nil
}

func (c *Config) validateGatekeeperConfig() error {
	if c.Gatekeeper.Impact.HaltMultiple <= c.Gatekeeper.Impact.ReduceMultiple {
		return ValidationError{
			Field:   "gatekeeper.impact.halt_multiple",
			Value:   c.Gatekeeper.Impact.HaltMultiple,
			Message: "halt multiple must exceed reduce multiple",
		}
	}
	if c.Gatekeeper.Informed.HaltThreshold <= c.Gatekeeper.Informed.ReduceThreshold {
		return ValidationError{
			Field:   "gatekeeper.informed.halt_threshold",
			Value:   c.Gatekeeper.Informed.HaltThreshold,
			Message: "halt threshold must exceed reduce threshold",
		}
	}
	if c.Gatekeeper.Informed.BucketVolume <= 0 {
		return ValidationError{
			Field:   "gatekeeper.informed.bucket_volume",
			Value:   c.Gatekeeper.Informed.BucketVolume,
			Message: "bucket volume must be positive",
		}
	}
	return nil
}

func (c *Config) validateLedgerConfig() error {
	if c.Ledger.Capacity <= 0 {
		return ValidationError{
			Field:   "ledger.capacity",
			Value:   c.Ledger.Capacity,
			Message: "ledger capacity must be positive",
		}
	}
	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:       "INFO",
			TickIntervalMs: 1000,
		},
		Capital: CapitalConfig{
			TotalCapital: 100000,
			Allocations: map[string]float64{
				"momentum":  0.4,
				"breakout":  0.3,
				"reversion": 0.3,
			},
			StrategyFamilies: map[string]string{},
		},
		Sizing: SizingConfig{
			KellyFraction:         0.5,
			MinPositionPct:        0.005,
			MaxPositionPct:        0.10,
			MinKellyHistory:       30,
			MinPayoffRatio:        0.05,
			ShockRegimeThreshold:  0.30,
			ShockRegimeMultiplier: 0.25,
		},
		Correlation: CorrelationConfig{
			HistoryCapacity:  512,
			HalfLifeDays:     20,
			MinObservations:  10,
			MinAlignedDays:   5,
			ExtremeThreshold: 0.85,
		},
		Gatekeeper: GatekeeperConfig{
			Impact: ImpactConfig{
				WindowSize:     20,
				BaselineSize:   200,
				ReduceMultiple: 2.0,
				HaltMultiple:   4.0,
			},
			Informed: InformedConfig{
				WindowSize:      50,
				BucketVolume:    1000,
				MaxBuckets:      50,
				ReduceThreshold: 0.30,
				HaltThreshold:   0.45,
			},
			Spread: SpreadConfig{
				WindowSize:   20,
				BaselineSize: 200,
			},
		},
		Ledger: LedgerConfig{
			Capacity:   10000,
			ExportPath: "decisions.db",
		},
		Arbiter: ArbiterConfig{
			MinExpectedValue:   0.05,
			CorrelationPenalty: 0.5,
		},
		Concurrency: ConcurrencyConfig{
			ResolvePoolSize:   8,
			ResolvePoolBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
