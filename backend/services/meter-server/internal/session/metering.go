package session

import "time"

// Usage is the metering result for one point in time.
type Usage struct {
	ElapsedSeconds   int64
	ConsumedAmount   int64
	RemainingBalance int64
	maxSeconds       int64
}

// Measure recomputes usage from the absolute start time, so late or skipped ticks
// self-correct. Elapsed time never goes negative and is capped at maxDuration when set.
// Remaining balance is not clamped.
func Measure(startedAt, now time.Time, pricePerSecond, paid int64, maxDuration time.Duration) Usage {
	elapsed := int64(now.Sub(startedAt) / time.Second)
	return usageAt(elapsed, pricePerSecond, paid, int64(maxDuration/time.Second))
}

func usageAt(elapsed, pricePerSecond, paid, maxSeconds int64) Usage {
	if elapsed < 0 {
		elapsed = 0
	}
	if maxSeconds > 0 && elapsed > maxSeconds {
		elapsed = maxSeconds
	}
	consumed := elapsed * pricePerSecond
	return Usage{
		ElapsedSeconds:   elapsed,
		ConsumedAmount:   consumed,
		RemainingBalance: paid - consumed,
		maxSeconds:       maxSeconds,
	}
}

// Exhausted reports whether the prepaid balance is used up.
func (u Usage) Exhausted() bool {
	return u.RemainingBalance <= 0
}

// MaxDurationReached reports whether the session hit its duration cap.
func (u Usage) MaxDurationReached() bool {
	return u.maxSeconds > 0 && u.ElapsedSeconds >= u.maxSeconds
}

// Refund is the unused prepaid amount, never negative.
func Refund(paid, consumed int64) int64 {
	if paid <= consumed {
		return 0
	}
	return paid - consumed
}
