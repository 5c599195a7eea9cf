package engine

import (
	"fmt"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Verdict is the circuit breaker's decision for the next iteration.
type Verdict struct {
	Outcome schema.BreakerOutcome
	Target  string // next state on auto-skip
	Reason  string
}

// Breaker bounds workflow oscillation. Both rules are pure functions of the
// run's history: the visit count of the state being entered and the most
// recent audit score. Zero-valued thresholds disable the corresponding rule.
type Breaker struct {
	cfg schema.BreakerConfig
}

// NewBreaker creates a breaker from workflow config.
func NewBreaker(cfg schema.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg}
}

// Evaluate returns the verdict for entering a state. visits is the number of
// times the state has been entered including this entry; lastScore is the
// most recent unconsumed audit score, nil when none exists.
//
// The visit limit is checked first: a runaway loop must abort even when the
// latest score would qualify for a skip.
func (b *Breaker) Evaluate(state string, visits int, lastScore *float64) Verdict {
	if b.cfg.MaxVisits > 0 && visits > b.cfg.MaxVisits {
		return Verdict{
			Outcome: schema.BreakerAbort,
			Reason:  fmt.Sprintf("state %q entered %d times, limit %d", state, visits, b.cfg.MaxVisits),
		}
	}
	if b.cfg.AutoSkipThreshold > 0 && b.cfg.AutoSkipTarget != "" &&
		lastScore != nil && *lastScore >= b.cfg.AutoSkipThreshold {
		return Verdict{
			Outcome: schema.BreakerAutoSkip,
			Target:  b.cfg.AutoSkipTarget,
			Reason: fmt.Sprintf("score %.2f meets threshold %.2f",
				*lastScore, b.cfg.AutoSkipThreshold),
		}
	}
	return Verdict{Outcome: schema.BreakerNone}
}
