package delivery

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultMaxBackoff  = time.Hour
)

// RetryPolicy decides whether a failed attempt gets another one and how long
// to wait first. The delay after attempt n is Base * 2^n, capped at Max, with
// an optional +/- JitterPct spread.
type RetryPolicy struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64

	rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultBackoffBase, Max: DefaultMaxBackoff}
}

// ShouldRetry reports whether attempt n (1-based) may be followed by another.
func (p RetryPolicy) ShouldRetry(n, maxRetries int) bool {
	return n < maxRetries
}

// Delay returns the wait before the attempt following attempt n.
func (p RetryPolicy) Delay(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.JitterPct <= 0 {
		return d
	}

	rnd := p.rand
	if rnd == nil {
		rnd = rand.Float64
	}
	j := 1 + (rnd()*2-1)*p.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	d = time.Duration(float64(d) * j)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
