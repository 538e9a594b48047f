package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Generation.Style == "" {
		cfg.Generation.Style = "cinematic"
	}
	if cfg.Generation.TargetUnitWords == 0 {
		cfg.Generation.TargetUnitWords = 2000
	}
	if cfg.Generation.TransitionTailChars == 0 {
		cfg.Generation.TransitionTailChars = 1200
	}

	if cfg.Refinement.MaxIterations == 0 {
		cfg.Refinement.MaxIterations = 2
	}
	if cfg.Refinement.QualityThreshold == 0 {
		cfg.Refinement.QualityThreshold = 70
	}
	if cfg.Refinement.LowConfidenceThreshold == 0 {
		cfg.Refinement.LowConfidenceThreshold = 60
	}

	if cfg.Queue.RateLimitDelayMS == 0 {
		cfg.Queue.RateLimitDelayMS = 1000
	}

	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.TopK == 0 {
			model.TopK = -1 // -1 means disabled
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 8192
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxRetries == 0 {
			model.MaxRetries = 5
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	applyTemplateDefaults(&cfg.PromptTemplates)
}
