// Package retry decides what happens to a record after a failed step.
package retry

import (
	"time"

	"uplinkd/internal/model"
)

const (
	DefaultThreshold = 100
	DefaultDelay     = 15 * time.Minute
)

type Decision int

const (
	// Reschedule puts the record back to idle after Delay.
	Reschedule Decision = iota
	// Drop removes the record from the queue for good.
	Drop
)

func (d Decision) String() string {
	if d == Drop {
		return "drop"
	}
	return "reschedule"
}

// Policy is a fixed-interval retry with a bound on total failures.
type Policy struct {
	Threshold int
	Delay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Delay: DefaultDelay}
}

// Decide drops once errorCount reaches the threshold.
func (p Policy) Decide(errorCount int) Decision {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if errorCount >= threshold {
		return Drop
	}
	return Reschedule
}

// Apply decides for rec and, on Reschedule, moves it back to idle with
// scheduledAt pushed to now+Delay. The caller persists or deletes rec.
func (p Policy) Apply(rec *model.TransferRecord, now time.Time) Decision {
	d := p.Decide(rec.ErrorCount)
	if d == Reschedule {
		rec.Status = model.StatusIdle
		rec.ScheduledAt = now.Add(p.Delay).UnixMilli()
	}
	return d
}
