package quest

import (
	"time"
)

// Clock abstracts timer creation so conversation pacing can be driven by a
// fake clock in tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// RealClock is the wall-clock implementation used outside tests.
var RealClock Clock = realClock{}
