// Package resilience tracks failure-injection scenarios and computes a
// normalized resilience score from recovery, circuit-breaker, and service
// degradation observations. The monitor only records; it never changes
// connection lifecycle state itself.
package resilience

import "time"

// DegradationLevel is a coarse severity label describing reduced service
// quality without a hard failure.
type DegradationLevel string

const (
	DegradationNone     DegradationLevel = "none"
	DegradationLight    DegradationLevel = "light"
	DegradationModerate DegradationLevel = "moderate"
	DegradationSevere   DegradationLevel = "severe"
)

// rank orders degradation levels for severity comparisons.
func (l DegradationLevel) rank() int {
	switch l {
	case DegradationLight:
		return 1
	case DegradationModerate:
		return 2
	case DegradationSevere:
		return 3
	default:
		return 0
	}
}

// MoreSevereThan reports whether l is strictly more severe than other.
func (l DegradationLevel) MoreSevereThan(other DegradationLevel) bool {
	return l.rank() > other.rank()
}

// BreakerState is one step of a circuit-breaker activation cycle.
// A valid cycle is open -> half_open -> closed.
type BreakerState string

const (
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerClosed   BreakerState = "closed"
)

// ScenarioConfig declares a scenario at start time.
type ScenarioConfig struct {
	// FailureType names the class of failure the scenario exercises,
	// e.g. "transport_drop" or "service_timeout".
	FailureType string
	// RecoveryTimeTarget is the target mean recovery time used by the
	// scoring policy.
	RecoveryTimeTarget time.Duration
	// ConnectionIDs associates the scenario with specific connections.
	// Degradation tracked by the scenario applies to these connections'
	// delivery paths.
	ConnectionIDs []string
}

// FailureInjection records one injected failure.
type FailureInjection struct {
	Service  string         `json:"service"`
	Mode     string         `json:"mode"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// RecoveryEvent records one observed recovery.
type RecoveryEvent struct {
	Service  string         `json:"service"`
	Duration time.Duration  `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// BreakerEvent records one circuit-breaker state observation.
type BreakerEvent struct {
	Service string       `json:"service"`
	State   BreakerState `json:"state"`
	At      time.Time    `json:"at"`
}

// DegradationMetrics quantifies a degradation snapshot. Impact values are
// fractions in [0,1].
type DegradationMetrics struct {
	PerformanceImpact   float64         `json:"performanceImpact"`
	AvailabilityImpact  float64         `json:"availabilityImpact"`
	FeatureAvailability map[string]bool `json:"featureAvailability,omitempty"`
}

// DegradationSnapshot is the latest tracked degradation state. Snapshots
// are overwritten, not appended; latest wins.
type DegradationSnapshot struct {
	Level   DegradationLevel   `json:"level"`
	Metrics DegradationMetrics `json:"metrics"`
	At      time.Time          `json:"at"`
}

// CompletionData is supplied when a scenario is finalized.
type CompletionData struct {
	Outcome  string         `json:"outcome"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Report is an immutable view of a scenario's recorded state.
type Report struct {
	ScenarioID                string              `json:"scenarioID"`
	FailureType               string              `json:"failureType"`
	RecoveryTimeTarget        time.Duration       `json:"recoveryTimeTarget"`
	FailuresInjected          int                 `json:"failuresInjected"`
	RecoveriesObserved        int                 `json:"recoveriesObserved"`
	CircuitBreakerActivations int                 `json:"circuitBreakerActivations"`
	Degradation               DegradationSnapshot `json:"degradation"`
	Completed                 bool                `json:"completed"`
	ResilienceScore           float64             `json:"resilienceScore"`
	StartedAt                 time.Time           `json:"startedAt"`
	CompletedAt               time.Time           `json:"completedAt,omitempty"`
	Failures                  []FailureInjection  `json:"failures,omitempty"`
	Recoveries                []RecoveryEvent     `json:"recoveries,omitempty"`
	BreakerEvents             []BreakerEvent      `json:"breakerEvents,omitempty"`
}
