package faultsim

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline-ai/threadline/internal/resilience"
)

func transportDropScript() *Script {
	return &Script{
		ScenarioID:         "transport-drop",
		FailureType:        "transport_drop",
		RecoveryTimeTarget: Duration(time.Second),
		ConnectionIDs:      []string{"conn-1"},
		Outcome:            "recovered",
		Steps: []Step{
			{Action: ActionInject, Service: "transport", Mode: "drop"},
			{Action: ActionDegrade, Level: resilience.DegradationSevere, AvailabilityImpact: 0.3},
			{Action: ActionBreakerCycle, Service: "transport"},
			{Action: ActionRecover, Service: "transport", RecoveryTime: Duration(40 * time.Millisecond)},
			{Action: ActionDegrade, Level: resilience.DegradationNone, AvailabilityImpact: 0.05},
		},
	}
}

func TestExecutor_RunsScriptToCompletion(t *testing.T) {
	monitor := resilience.NewMonitor()
	exec := NewExecutor(monitor)

	report, err := exec.Run(context.Background(), transportDropScript())
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.Equal(t, 1, report.FailuresInjected)
	assert.Equal(t, 1, report.RecoveriesObserved)
	assert.Equal(t, 1, report.CircuitBreakerActivations)
	assert.Equal(t, resilience.DegradationNone, report.Degradation.Level)
	// Full recovery within target, breaker cycled, final availability
	// impact below threshold.
	assert.InDelta(t, 1.0, report.ResilienceScore, 1e-9)
}

func TestExecutor_RecoveryProbePolledWithBackoff(t *testing.T) {
	monitor := resilience.NewMonitor()
	exec := NewExecutor(monitor)

	var polls atomic.Int32
	exec.SetRecoveryProbe(func(service string) bool {
		return polls.Add(1) >= 3
	})

	script := &Script{
		ScenarioID:  "probe-run",
		FailureType: "service_timeout",
		Steps: []Step{
			{Action: ActionInject, Service: "store", Mode: "timeout"},
			{Action: ActionRecover, Service: "store"},
		},
	}

	report, err := exec.Run(context.Background(), script)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
	assert.Equal(t, 1, report.RecoveriesObserved)
	require.Len(t, report.Recoveries, 1)
	assert.Greater(t, report.Recoveries[0].Duration, time.Duration(0))
}

func TestExecutor_StuckServiceFailsRecoverStep(t *testing.T) {
	monitor := resilience.NewMonitor()
	exec := NewExecutor(monitor)
	exec.SetRecoveryProbe(func(service string) bool { return false })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	script := &Script{
		ScenarioID:  "stuck-run",
		FailureType: "service_timeout",
		Steps: []Step{
			{Action: ActionInject, Service: "store"},
			{Action: ActionRecover, Service: "store"},
		},
	}

	_, err := exec.Run(ctx, script)
	require.Error(t, err)

	// The scenario stays active with the failure recorded and no
	// recovery observed.
	report, rerr := monitor.GetReport("stuck-run")
	require.NoError(t, rerr)
	assert.False(t, report.Completed)
	assert.Equal(t, 1, report.FailuresInjected)
	assert.Zero(t, report.RecoveriesObserved)
}

func TestExecutor_WaitStepHonorsCancellation(t *testing.T) {
	monitor := resilience.NewMonitor()
	exec := NewExecutor(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := &Script{
		ScenarioID: "wait-run",
		Steps: []Step{
			{Action: ActionWait, Duration: Duration(10 * time.Second)},
		},
	}

	start := time.Now()
	_, err := exec.Run(ctx, script)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScript_Validate(t *testing.T) {
	tests := []struct {
		name    string
		script  Script
		wantErr bool
	}{
		{
			name:    "missing scenario id",
			script:  Script{Steps: []Step{{Action: ActionInject}}},
			wantErr: true,
		},
		{
			name:    "no steps",
			script:  Script{ScenarioID: "s"},
			wantErr: true,
		},
		{
			name: "unknown action",
			script: Script{ScenarioID: "s", Steps: []Step{
				{Action: Action("explode")},
			}},
			wantErr: true,
		},
		{
			name: "bad degradation level",
			script: Script{ScenarioID: "s", Steps: []Step{
				{Action: ActionDegrade, Level: resilience.DegradationLevel("extreme")},
			}},
			wantErr: true,
		},
		{
			name: "wait without duration",
			script: Script{ScenarioID: "s", Steps: []Step{
				{Action: ActionWait},
			}},
			wantErr: true,
		},
		{
			name: "valid",
			script: Script{ScenarioID: "s", Steps: []Step{
				{Action: ActionInject, Service: "svc"},
				{Action: ActionDegrade, Level: resilience.DegradationModerate},
				{Action: ActionWait, Duration: Duration(time.Millisecond)},
			}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.script.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadScript_Yaml(t *testing.T) {
	raw := `
scenarioID: store-outage
failureType: service_timeout
recoveryTimeTarget: 500ms
connectionIDs: [conn-1, conn-2]
outcome: recovered
steps:
  - action: inject
    service: store
    mode: timeout
  - action: degrade
    level: moderate
    availabilityImpact: 0.2
  - action: wait
    duration: 5ms
  - action: recover
    service: store
    recoveryTime: 100ms
`
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	script, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "store-outage", script.ScenarioID)
	assert.Equal(t, 500*time.Millisecond, script.RecoveryTimeTarget.Std())
	assert.Equal(t, []string{"conn-1", "conn-2"}, script.ConnectionIDs)
	require.Len(t, script.Steps, 4)
	assert.Equal(t, ActionRecover, script.Steps[3].Action)
	assert.Equal(t, 100*time.Millisecond, script.Steps[3].RecoveryTime.Std())
	assert.Equal(t, 0.2, script.Steps[1].AvailabilityImpact)
}

func TestLoadScript_MissingFile(t *testing.T) {
	_, err := LoadScript(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
