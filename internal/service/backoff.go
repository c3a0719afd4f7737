package service

import "time"

var DefaultRetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// Backoff maps the number of failed rounds a post has seen to the delay
// before its next attempt. Indexes past the end reuse the last delay.
type Backoff struct {
	delays []time.Duration
}

func NewBackoff(delays []time.Duration) *Backoff {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	cp := make([]time.Duration, len(delays))
	copy(cp, delays)
	return &Backoff{delays: cp}
}

func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b.delays) {
		return b.delays[len(b.delays)-1]
	}
	return b.delays[attempt]
}
