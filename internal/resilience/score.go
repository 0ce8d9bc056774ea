package resilience

// Scoring policy weights and thresholds. These are a fixed contract, not
// tunables: recovery-success ratio carries 0.4, breaker effectiveness 0.2,
// recovery-time-within-target 0.2, service continuity 0.2.
const (
	recoveryRatioWeight = 0.4
	breakerCredit       = 0.2

	recoveryTimeFullCredit = 0.2
	recoveryTimeHalfCredit = 0.1

	continuityFullCredit = 0.2
	continuityHalfCredit = 0.1

	continuityFullThreshold = 0.10
	continuityHalfThreshold = 0.25
)

// computeScore derives the resilience score for a finished scenario,
// clamped to [0,1]. A scenario with no injected failures gets full credit
// on the recovery and breaker terms.
func computeScore(s *scenario) float64 {
	score := recoveryRatioWeight * recoveryRatio(s)
	score += breakerTerm(s)
	score += recoveryTimeTerm(s)
	score += continuityTerm(s)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func recoveryRatio(s *scenario) float64 {
	if s.failuresInjected == 0 {
		return 1.0
	}
	ratio := float64(s.recoveriesObserved) / float64(s.failuresInjected)
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

func breakerTerm(s *scenario) float64 {
	if s.failuresInjected == 0 || s.circuitBreakerActivations > 0 {
		return breakerCredit
	}
	return 0
}

func recoveryTimeTerm(s *scenario) float64 {
	if s.failuresInjected == 0 {
		return recoveryTimeFullCredit
	}
	if len(s.recoveries) == 0 {
		return 0
	}
	target := s.config.RecoveryTimeTarget
	if target <= 0 {
		return recoveryTimeFullCredit
	}

	var total float64
	for _, r := range s.recoveries {
		total += float64(r.Duration)
	}
	mean := total / float64(len(s.recoveries))

	switch {
	case mean <= float64(target):
		return recoveryTimeFullCredit
	case mean <= 2*float64(target):
		return recoveryTimeHalfCredit
	default:
		return 0
	}
}

func continuityTerm(s *scenario) float64 {
	impact := s.degradation.Metrics.AvailabilityImpact
	switch {
	case impact <= continuityFullThreshold:
		return continuityFullCredit
	case impact <= continuityHalfThreshold:
		return continuityHalfCredit
	default:
		return 0
	}
}
