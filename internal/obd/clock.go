package obd

import "time"

// Clock abstracts wall time so backoff transitions are testable without
// real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the production clock.
var SystemClock Clock = realClock{}
