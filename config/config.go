// Package config loads per-motor and machine-wide JSON configuration
// for a pin-addressed motor vocabulary. Loading is pure data plumbing:
// it never bypasses the Stepper/Engine API (SetSpeed, SetAcceleration,
// pin setup, ...), which remains the only way any state is actually
// mutated.
package config

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MotorConfig describes one stepper's wiring and kinematic limits.
type MotorConfig struct {
	StepPin  uint32  `json:"step_pin"`
	DirPin   *uint32 `json:"dir_pin,omitempty"`
	DirHighCountsUp bool `json:"dir_high_counts_up"`

	EnableLowPin  *uint32 `json:"enable_low_pin,omitempty"`
	EnableHighPin *uint32 `json:"enable_high_pin,omitempty"`

	MinStepUs  uint32  `json:"min_step_us"`
	AccelSteps float64 `json:"accel_steps_per_s2"`

	AutoEnable     bool   `json:"auto_enable"`
	DelayToEnableUs uint32 `json:"delay_to_enable_us"`
	DelayToDisableMs uint32 `json:"delay_to_disable_ms"`
}

// EngineConfig describes the machine-wide registry.
type EngineConfig struct {
	MaxStepper    int     `json:"max_stepper"`
	ManageCadenceMs uint32 `json:"manage_cadence_ms"`
	DebugLEDPin   *uint32 `json:"debug_led_pin,omitempty"`
	Motors        []MotorConfig `json:"motors"`
}

const (
	defaultMaxStepper      = 6
	defaultManageCadenceMs = 10
	defaultMinStepUs       = 100
	defaultAccelSteps      = 1000
)

// LoadEngineConfig parses a JSON document into an EngineConfig and
// fills in any missing defaults.
func LoadEngineConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing engine config")
	}
	applyEngineDefaults(&cfg)
	for i := range cfg.Motors {
		applyMotorDefaults(&cfg.Motors[i])
	}
	return &cfg, nil
}

// LoadMotorConfig parses a single motor's JSON document, for callers
// that manage motors independently of a whole-engine document.
func LoadMotorConfig(data []byte) (*MotorConfig, error) {
	var cfg MotorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing motor config")
	}
	applyMotorDefaults(&cfg)
	return &cfg, nil
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.MaxStepper == 0 {
		cfg.MaxStepper = defaultMaxStepper
	}
	if cfg.ManageCadenceMs == 0 {
		cfg.ManageCadenceMs = defaultManageCadenceMs
	}
}

func applyMotorDefaults(cfg *MotorConfig) {
	if cfg.MinStepUs == 0 {
		cfg.MinStepUs = defaultMinStepUs
	}
	if cfg.AccelSteps == 0 {
		cfg.AccelSteps = defaultAccelSteps
	}
	if cfg.AutoEnable && cfg.DelayToEnableUs == 0 {
		cfg.DelayToEnableUs = 1000
	}
}

// Validate checks the bounds the Stepper layer itself would otherwise
// reject one call at a time, surfacing them together before any pin is
// touched.
func (c MotorConfig) Validate() error {
	if c.AutoEnable && c.DelayToEnableUs < 1000 {
		return errors.Errorf("config: delay_to_enable_us %d below 1000us minimum", c.DelayToEnableUs)
	}
	if c.AccelSteps <= 0 {
		return errors.Errorf("config: accel_steps_per_s2 %f must be positive", c.AccelSteps)
	}
	return nil
}
