// Package cooldown computes how far a switch request is through its
// mandatory waiting period.
package cooldown

import "time"

const DefaultDuration = 48 * time.Hour

type Status struct {
	ElapsedHours   float64
	RemainingHours float64
	IsComplete     bool
	CompletesAt    time.Time
}

type Evaluator struct {
	Duration time.Duration
}

func New(duration time.Duration) Evaluator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return Evaluator{Duration: duration}
}

// Evaluate is pure. A requestedAt in the future (clock skew) counts as zero
// elapsed time.
func (e Evaluator) Evaluate(requestedAt, now time.Time) Status {
	duration := e.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	elapsed := now.Sub(requestedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := duration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		ElapsedHours:   roundHours(elapsed),
		RemainingHours: roundHours(remaining),
		IsComplete:     elapsed >= duration,
		CompletesAt:    requestedAt.Add(duration),
	}
}

func roundHours(d time.Duration) float64 {
	return float64(d.Round(time.Minute)) / float64(time.Hour)
}
