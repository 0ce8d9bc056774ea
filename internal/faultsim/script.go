// Package faultsim drives synthetic fault scenarios through the resilience
// monitor. In production the monitored contract is exercised by real
// transport and service failures; this executor replays scripted ones so
// resilience behavior can be validated deterministically.
package faultsim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threadline-ai/threadline/internal/resilience"
)

// Action names the kinds of script steps.
type Action string

const (
	ActionInject       Action = "inject"
	ActionRecover      Action = "recover"
	ActionBreakerCycle Action = "breaker_cycle"
	ActionDegrade      Action = "degrade"
	ActionWait         Action = "wait"
)

// Duration wraps time.Duration so scripts can use forms like "250ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Step is one scripted action.
type Step struct {
	Action  Action `yaml:"action"`
	Service string `yaml:"service,omitempty"`
	// Mode qualifies an injected failure, e.g. "timeout" or "drop".
	Mode string `yaml:"mode,omitempty"`
	// RecoveryTime is the recovery duration reported for recover steps
	// when no probe is installed.
	RecoveryTime Duration `yaml:"recoveryTime,omitempty"`
	// Degradation fields, for degrade steps.
	Level              resilience.DegradationLevel `yaml:"level,omitempty"`
	AvailabilityImpact float64                     `yaml:"availabilityImpact,omitempty"`
	PerformanceImpact  float64                     `yaml:"performanceImpact,omitempty"`
	// Duration is how long a wait step pauses.
	Duration Duration `yaml:"duration,omitempty"`
}

// Script declares a complete scenario: its identity, targets, and ordered
// steps.
type Script struct {
	ScenarioID         string   `yaml:"scenarioID"`
	FailureType        string   `yaml:"failureType"`
	RecoveryTimeTarget Duration `yaml:"recoveryTimeTarget,omitempty"`
	ConnectionIDs      []string `yaml:"connectionIDs,omitempty"`
	Outcome            string   `yaml:"outcome,omitempty"`
	Steps              []Step   `yaml:"steps"`
}

// LoadScript reads and validates a yaml scenario script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the script for obvious authoring mistakes.
func (s *Script) Validate() error {
	if s.ScenarioID == "" {
		return fmt.Errorf("scenarioID is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		switch step.Action {
		case ActionInject, ActionRecover, ActionBreakerCycle:
		case ActionDegrade:
			switch step.Level {
			case resilience.DegradationNone, resilience.DegradationLight,
				resilience.DegradationModerate, resilience.DegradationSevere:
			default:
				return fmt.Errorf("step %d: unknown degradation level %q", i, step.Level)
			}
		case ActionWait:
			if step.Duration <= 0 {
				return fmt.Errorf("step %d: wait requires a positive duration", i)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
	}
	return nil
}
