package session

import "time"

// Clock abstracts time so the lifecycle can be driven deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers metering ticks. Stop must be synchronous: no tick is delivered after it returns.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time {
	return s.t.C
}

func (s *systemTicker) Stop() {
	s.t.Stop()
}
