// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the guard pipeline.
//
// A default configuration ships embedded in the binary; deployments may
// override it with a YAML file. Loaded configurations are validated
// before use so a malformed file can never reach the pipeline.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
	"github.com/AleutianAI/ContextGuard/services/guard/counterfactual"
	"github.com/AleutianAI/ContextGuard/services/guard/divergence"
)

// MaxYAMLFileSize is the maximum allowed configuration file size (1MB).
// Prevents memory issues from oversized files.
const MaxYAMLFileSize = 1024 * 1024

//go:embed guard.yaml
var defaultGuardYAML []byte

var (
	configLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextguard_config_load_errors_total",
		Help: "Total guard configuration load errors",
	})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contextguard_config_load_duration_seconds",
		Help:    "Duration of guard configuration loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

// guardValidate is the validator instance for guard configuration.
var guardValidate = validator.New()

// Duration wraps time.Duration with YAML string parsing ("30s", "1m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// AssemblyConfig configures the trust-weighted assembler.
type AssemblyConfig struct {
	MaxSegments       int     `yaml:"max_segments" validate:"gt=0"`
	MinTrustWeight    float64 `yaml:"min_trust_weight"`
	EnforceInvariants bool    `yaml:"enforce_invariants"`
}

// CounterfactualConfig configures the reassembler and sweep.
type CounterfactualConfig struct {
	MaxVariants      int      `yaml:"max_variants" validate:"gt=0"`
	AttenuateFactor  float64  `yaml:"attenuate_factor" validate:"gt=0,lte=1"`
	IncludeIsolation bool     `yaml:"include_isolation"`
	MaxConcurrency   int      `yaml:"max_concurrency" validate:"gt=0"`
	PerCallTimeout   Duration `yaml:"per_call_timeout"`
}

// DivergenceConfig configures indicator detection.
type DivergenceConfig struct {
	Threshold float64 `yaml:"threshold" validate:"gte=0"`
}

// GuardConfig is the root pipeline configuration.
type GuardConfig struct {
	Assembly       AssemblyConfig       `yaml:"assembly" validate:"required"`
	Counterfactual CounterfactualConfig `yaml:"counterfactual" validate:"required"`
	Divergence     DivergenceConfig     `yaml:"divergence"`
}

// Default returns the embedded default configuration.
//
// The embedded YAML is part of the build; a parse failure here is a
// packaging bug and panics rather than returning a half-initialized
// config.
func Default() GuardConfig {
	cfg, err := parse(defaultGuardYAML)
	if err != nil {
		panic(fmt.Sprintf("config: embedded guard.yaml invalid: %v", err))
	}
	return cfg
}

// Load reads and validates a configuration file.
//
// Inputs:
//
//	path - Path to a YAML file. Must be under MaxYAMLFileSize.
//
// Outputs:
//
//	GuardConfig - The validated configuration.
//	error - Non-nil on read, parse, or validation failure; load errors
//	        are also counted in the contextguard_config_load_errors_total
//	        metric.
func Load(path string) (GuardConfig, error) {
	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
	}()

	info, err := os.Stat(path)
	if err != nil {
		configLoadErrors.Inc()
		return GuardConfig{}, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		configLoadErrors.Inc()
		return GuardConfig{}, fmt.Errorf("config file %s exceeds %d bytes", path, MaxYAMLFileSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		configLoadErrors.Inc()
		return GuardConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(raw)
	if err != nil {
		configLoadErrors.Inc()
		return GuardConfig{}, err
	}
	return cfg, nil
}

// defaults mirrors the embedded guard.yaml so a partial override file
// inherits every omitted value instead of zeroing it. A zeroed divergence
// threshold in particular would flag every variant as poisoning.
func defaults() GuardConfig {
	return GuardConfig{
		Assembly: AssemblyConfig{
			MaxSegments: assembly.DefaultMaxSegments,
		},
		Counterfactual: CounterfactualConfig{
			MaxVariants:      counterfactual.DefaultMaxVariants,
			AttenuateFactor:  counterfactual.DefaultAttenuateFactor,
			IncludeIsolation: true,
			MaxConcurrency:   counterfactual.DefaultMaxConcurrency,
			PerCallTimeout:   Duration(counterfactual.DefaultPerCallTimeout),
		},
		Divergence: DivergenceConfig{
			Threshold: divergence.DefaultThreshold,
		},
	}
}

// parse decodes raw YAML over the defaults and validates the result.
func parse(raw []byte) (GuardConfig, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return GuardConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := guardValidate.Struct(cfg); err != nil {
		return GuardConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// AssemblyOptions converts the assembly section to assembler options.
func (c GuardConfig) AssemblyOptions() []assembly.Option {
	return []assembly.Option{
		assembly.WithMaxSegments(c.Assembly.MaxSegments),
		assembly.WithMinTrustWeight(c.Assembly.MinTrustWeight),
		assembly.WithEnforceInvariants(c.Assembly.EnforceInvariants),
	}
}

// ReassemblerConfig converts the counterfactual section to a reassembler
// configuration. The divergence strategy stays the package default;
// callers override it after conversion when needed.
func (c GuardConfig) ReassemblerConfig() counterfactual.Config {
	return counterfactual.Config{
		MaxVariants:      c.Counterfactual.MaxVariants,
		AttenuateFactor:  c.Counterfactual.AttenuateFactor,
		IncludeIsolation: c.Counterfactual.IncludeIsolation,
		MaxConcurrency:   c.Counterfactual.MaxConcurrency,
		PerCallTimeout:   c.Counterfactual.PerCallTimeout.AsDuration(),
	}
}
