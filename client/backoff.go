package client

import "time"

// Backoff is the reconnect schedule. Attempt n waits Initial*Factor^(n-1),
// never more than Max.
type Backoff struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Factor:      2,
		Max:         30 * time.Second,
		MaxAttempts: 8,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
