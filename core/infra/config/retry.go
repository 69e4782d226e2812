package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RetryPolicy governs orchestrator-owned retries for failed step sends.
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffSec int     `yaml:"initial_backoff_sec" json:"initial_backoff_sec"`
	MaxBackoffSec     int     `yaml:"max_backoff_sec" json:"max_backoff_sec"`
	Multiplier        float64 `yaml:"multiplier" json:"multiplier"`
}

// QueueTuning configures the delayed task queue dispatcher.
type QueueTuning struct {
	PollIntervalSec       int `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	VisibilityTimeoutSec  int `yaml:"visibility_timeout_sec" json:"visibility_timeout_sec"`
	ReapIntervalSec       int `yaml:"reap_interval_sec" json:"reap_interval_sec"`
	DispatchBatchSize     int `yaml:"dispatch_batch_size" json:"dispatch_batch_size"`
	LockTTLSec            int `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`
	HandlerTimeoutSeconds int `yaml:"handler_timeout_sec" json:"handler_timeout_sec"`
}

// EngineConfig is the YAML policy file for the execution engine.
type EngineConfig struct {
	Retry RetryPolicy `yaml:"retry" json:"retry"`
	Queue QueueTuning `yaml:"queue" json:"queue"`
}

// DefaultEngineConfig returns the built-in policy used when no file is present.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialBackoffSec: 60,
			MaxBackoffSec:     3600,
			Multiplier:        2,
		},
		Queue: QueueTuning{
			PollIntervalSec:       5,
			VisibilityTimeoutSec:  300,
			ReapIntervalSec:       60,
			DispatchBatchSize:     100,
			LockTTLSec:            15,
			HandlerTimeoutSeconds: 120,
		},
	}
}

// ParseEngineConfig parses engine policy data from YAML bytes.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	if len(data) == 0 {
		return DefaultEngineConfig(), nil
	}
	if err := validateConfigSchema("engine", engineSchemaFile, data); err != nil {
		return nil, err
	}
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEngineConfig reads a YAML policy file; missing file falls back to defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	if path == "" {
		return DefaultEngineConfig(), nil
	}
	// #nosec G304 -- policy config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultEngineConfig(), nil
		}
		return nil, fmt.Errorf("read engine config %s: %w", path, err)
	}
	cfg, err := ParseEngineConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load engine config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Queue.VisibilityTimeoutSec < 0 || c.Queue.PollIntervalSec < 0 {
		return fmt.Errorf("queue intervals must be >= 0")
	}
	return nil
}
