package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/threadline-ai/threadline/internal/logging"
)

// Errors reported by the monitor.
var (
	ErrScenarioExists    = fmt.Errorf("scenario already active")
	ErrScenarioNotFound  = fmt.Errorf("scenario not found")
	ErrScenarioCompleted = fmt.Errorf("scenario already completed")
)

// ProtocolViolationError reports a circuit-breaker observation that breaks
// the open -> half_open -> closed cycle contract. Accepting it silently
// would corrupt the resilience score.
type ProtocolViolationError struct {
	ScenarioID string
	State      BreakerState
	Message    string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("scenario %s: breaker %s: %s", e.ScenarioID, e.State, e.Message)
}

// IsProtocolViolation checks if an error is a breaker protocol violation.
func IsProtocolViolation(err error) bool {
	_, ok := err.(*ProtocolViolationError)
	return ok
}

// scenario holds the mutable state of one tracked scenario.
type scenario struct {
	id     string
	config ScenarioConfig

	failuresInjected          int
	recoveriesObserved        int
	circuitBreakerActivations int

	failures      []FailureInjection
	recoveries    []RecoveryEvent
	breakerEvents []BreakerEvent

	// Breaker cycle tracking: a cycle starts when open is observed and
	// ends on closed.
	cycleOpen     bool
	cycleHalfOpen bool

	degradation DegradationSnapshot

	completed   bool
	score       float64
	startedAt   time.Time
	completedAt time.Time
}

// Monitor records failure, recovery, breaker, and degradation events for
// concurrently running scenarios. All methods are safe for concurrent use;
// a single coarse lock is sufficient at the scenario counts seen here.
type Monitor struct {
	mu        sync.Mutex
	scenarios map[string]*scenario

	// onDegradation, when set, is invoked after each tracked degradation
	// with the scenario's associated connection ids. It runs outside the
	// monitor lock.
	onDegradation DegradationHook
}

// DegradationHook observes tracked degradation changes for the connections
// a scenario covers.
type DegradationHook func(scenarioID string, connectionIDs []string, level DegradationLevel)

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		scenarios: make(map[string]*scenario),
	}
}

// StartScenario begins tracking a scenario with zeroed counters and no
// degradation.
func (m *Monitor) StartScenario(id string, cfg ScenarioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scenarios[id]; exists {
		return fmt.Errorf("start %q: %w", id, ErrScenarioExists)
	}

	m.scenarios[id] = &scenario{
		id:     id,
		config: cfg,
		degradation: DegradationSnapshot{
			Level: DegradationNone,
			At:    time.Now(),
		},
		startedAt: time.Now(),
	}

	logging.Debug().
		Str("scenarioID", id).
		Str("failureType", cfg.FailureType).
		Msg("resilience scenario started")
	return nil
}

// active returns the named scenario if it exists and is not completed.
// Caller must hold m.mu.
func (m *Monitor) active(id string) (*scenario, error) {
	s, ok := m.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %q: %w", id, ErrScenarioNotFound)
	}
	if s.completed {
		return nil, fmt.Errorf("scenario %q: %w", id, ErrScenarioCompleted)
	}
	return s, nil
}

// InjectFailure appends a failure record. It does not change the
// degradation level or any connection's lifecycle state; it only records.
func (m *Monitor) InjectFailure(id string, f FailureInjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.active(id)
	if err != nil {
		return err
	}

	if f.At.IsZero() {
		f.At = time.Now()
	}
	s.failures = append(s.failures, f)
	s.failuresInjected++
	return nil
}

// RecordRecoveryEvent appends a recovery record.
func (m *Monitor) RecordRecoveryEvent(id string, r RecoveryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.active(id)
	if err != nil {
		return err
	}

	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.recoveries = append(s.recoveries, r)
	s.recoveriesObserved++
	return nil
}

// RecordCircuitBreakerEvent appends a breaker observation and enforces the
// open -> half_open -> closed cycle. An activation is counted when a cycle
// opens.
func (m *Monitor) RecordCircuitBreakerEvent(id string, b BreakerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.active(id)
	if err != nil {
		return err
	}

	switch b.State {
	case BreakerOpen:
		s.cycleOpen = true
		s.cycleHalfOpen = false
		s.circuitBreakerActivations++
	case BreakerHalfOpen:
		if !s.cycleOpen {
			return &ProtocolViolationError{
				ScenarioID: id,
				State:      b.State,
				Message:    "half_open observed before open",
			}
		}
		s.cycleHalfOpen = true
	case BreakerClosed:
		if !s.cycleHalfOpen {
			return &ProtocolViolationError{
				ScenarioID: id,
				State:      b.State,
				Message:    "closed observed before half_open",
			}
		}
		s.cycleOpen = false
		s.cycleHalfOpen = false
	default:
		return fmt.Errorf("scenario %q: unknown breaker state %q", id, b.State)
	}

	if b.At.IsZero() {
		b.At = time.Now()
	}
	s.breakerEvents = append(s.breakerEvents, b)
	return nil
}

// SetDegradationHook registers the hook invoked on every tracked
// degradation change. Must be set before scenarios start.
func (m *Monitor) SetDegradationHook(hook DegradationHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDegradation = hook
}

// TrackServiceDegradation overwrites the current degradation snapshot.
// Latest wins; snapshots are not appended.
func (m *Monitor) TrackServiceDegradation(id string, level DegradationLevel, metrics DegradationMetrics) error {
	m.mu.Lock()

	s, err := m.active(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	s.degradation = DegradationSnapshot{
		Level:   level,
		Metrics: metrics,
		At:      time.Now(),
	}

	hook := m.onDegradation
	connIDs := make([]string, len(s.config.ConnectionIDs))
	copy(connIDs, s.config.ConnectionIDs)
	m.mu.Unlock()

	logging.Debug().
		Str("scenarioID", id).
		Str("level", string(level)).
		Float64("availabilityImpact", metrics.AvailabilityImpact).
		Msg("service degradation tracked")

	if hook != nil {
		hook(id, connIDs, level)
	}
	return nil
}

// CompleteScenario freezes the scenario and computes its resilience score.
// The score is never recomputed after completion.
func (m *Monitor) CompleteScenario(id string, data CompletionData) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.active(id)
	if err != nil {
		return Report{}, err
	}

	s.completed = true
	s.completedAt = time.Now()
	s.score = computeScore(s)

	logging.Info().
		Str("scenarioID", id).
		Str("outcome", data.Outcome).
		Float64("resilienceScore", s.score).
		Msg("resilience scenario completed")
	return s.report(), nil
}

// GetReport returns the current view of a scenario, completed or not.
func (m *Monitor) GetReport(id string) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scenarios[id]
	if !ok {
		return Report{}, fmt.Errorf("scenario %q: %w", id, ErrScenarioNotFound)
	}
	return s.report(), nil
}

// LevelFor returns the most severe degradation level among active
// scenarios associated with connectionID. It lets the broadcast router
// consult scenario degradation without the monitor touching connection
// state.
func (m *Monitor) LevelFor(connectionID string) DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := DegradationNone
	for _, s := range m.scenarios {
		if s.completed {
			continue
		}
		for _, id := range s.config.ConnectionIDs {
			if id == connectionID && s.degradation.Level.MoreSevereThan(level) {
				level = s.degradation.Level
			}
		}
	}
	return level
}

// report builds an immutable copy. Caller must hold m.mu.
func (s *scenario) report() Report {
	r := Report{
		ScenarioID:                s.id,
		FailureType:               s.config.FailureType,
		RecoveryTimeTarget:        s.config.RecoveryTimeTarget,
		FailuresInjected:          s.failuresInjected,
		RecoveriesObserved:        s.recoveriesObserved,
		CircuitBreakerActivations: s.circuitBreakerActivations,
		Degradation:               s.degradation,
		Completed:                 s.completed,
		ResilienceScore:           s.score,
		StartedAt:                 s.startedAt,
		CompletedAt:               s.completedAt,
	}
	r.Failures = append(r.Failures, s.failures...)
	r.Recoveries = append(r.Recoveries, s.recoveries...)
	r.BreakerEvents = append(r.BreakerEvents, s.breakerEvents...)
	return r
}
