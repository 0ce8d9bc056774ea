package faultsim

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/threadline-ai/threadline/internal/logging"
	"github.com/threadline-ai/threadline/internal/resilience"
)

// RecoveryProbe reports whether a faulted service has recovered. Probes
// are polled with exponential backoff during recover steps.
type RecoveryProbe func(service string) bool

// Executor replays scenario scripts against a resilience monitor.
type Executor struct {
	monitor *resilience.Monitor
	probe   RecoveryProbe
	log     zerolog.Logger
}

// NewExecutor creates an Executor. Without a probe, recover steps report
// the script's declared recovery time immediately.
func NewExecutor(monitor *resilience.Monitor) *Executor {
	return &Executor{
		monitor: monitor,
		log:     logging.Component("faultsim"),
	}
}

// SetRecoveryProbe installs a probe polled during recover steps.
func (e *Executor) SetRecoveryProbe(probe RecoveryProbe) {
	e.probe = probe
}

// recoveryBackoff paces recovery probing: quick first polls with jitter,
// bounded so a stuck service fails the step rather than hanging the run.
func recoveryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(b, ctx)
}

// Run executes the script start to finish and returns the completed
// scenario report.
func (e *Executor) Run(ctx context.Context, script *Script) (resilience.Report, error) {
	if err := script.Validate(); err != nil {
		return resilience.Report{}, err
	}

	err := e.monitor.StartScenario(script.ScenarioID, resilience.ScenarioConfig{
		FailureType:        script.FailureType,
		RecoveryTimeTarget: script.RecoveryTimeTarget.Std(),
		ConnectionIDs:      script.ConnectionIDs,
	})
	if err != nil {
		return resilience.Report{}, err
	}

	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return resilience.Report{}, err
		}
		if err := e.runStep(ctx, script.ScenarioID, step); err != nil {
			return resilience.Report{}, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	outcome := script.Outcome
	if outcome == "" {
		outcome = "completed"
	}
	return e.monitor.CompleteScenario(script.ScenarioID, resilience.CompletionData{Outcome: outcome})
}

func (e *Executor) runStep(ctx context.Context, scenarioID string, step Step) error {
	switch step.Action {
	case ActionInject:
		e.log.Debug().
			Str("scenarioID", scenarioID).
			Str("service", step.Service).
			Str("mode", step.Mode).
			Msg("injecting failure")
		return e.monitor.InjectFailure(scenarioID, resilience.FailureInjection{
			Service: step.Service,
			Mode:    step.Mode,
		})

	case ActionRecover:
		duration := step.RecoveryTime.Std()
		if e.probe != nil {
			start := time.Now()
			err := backoff.Retry(func() error {
				if e.probe(step.Service) {
					return nil
				}
				return fmt.Errorf("service %q not recovered", step.Service)
			}, recoveryBackoff(ctx))
			if err != nil {
				return err
			}
			duration = time.Since(start)
		}
		return e.monitor.RecordRecoveryEvent(scenarioID, resilience.RecoveryEvent{
			Service:  step.Service,
			Duration: duration,
		})

	case ActionBreakerCycle:
		for _, state := range []resilience.BreakerState{
			resilience.BreakerOpen, resilience.BreakerHalfOpen, resilience.BreakerClosed,
		} {
			err := e.monitor.RecordCircuitBreakerEvent(scenarioID, resilience.BreakerEvent{
				Service: step.Service,
				State:   state,
			})
			if err != nil {
				return err
			}
		}
		return nil

	case ActionDegrade:
		return e.monitor.TrackServiceDegradation(scenarioID, step.Level, resilience.DegradationMetrics{
			AvailabilityImpact: step.AvailabilityImpact,
			PerformanceImpact:  step.PerformanceImpact,
		})

	case ActionWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.Duration.Std()):
			return nil
		}

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}
