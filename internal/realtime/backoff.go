package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// delaySchedule hands out reconnect delays from a fixed list. The n-th retry
// waits delays[min(n-1, last)]; once max retries have been handed out it
// returns backoff.Stop. The retry count is the reconnect-attempt counter.
type delaySchedule struct {
	delays []time.Duration
	max    int
	n      int
}

var _ backoff.BackOff = (*delaySchedule)(nil)

func newDelaySchedule(delays []time.Duration, max int) *delaySchedule {
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	return &delaySchedule{
		delays: append([]time.Duration(nil), delays...),
		max:    max,
	}
}

// NextBackOff returns the delay before the next retry, or backoff.Stop.
func (s *delaySchedule) NextBackOff() time.Duration {
	if s.n >= s.max {
		return backoff.Stop
	}
	d := s.delayFor(s.n)
	s.n++
	return d
}

// Reset restores the full retry budget.
func (s *delaySchedule) Reset() {
	s.n = 0
}

// attempts returns how many retries have been handed out since Reset.
func (s *delaySchedule) attempts() int {
	return s.n
}

// delayFor returns the delay for a zero-based retry index.
func (s *delaySchedule) delayFor(i int) time.Duration {
	return s.delays[min(i, len(s.delays)-1)]
}
