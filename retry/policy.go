// Package retry decides when, and whether, a stalled query connection is rebuilt.
//
// The zero Policy reproduces the classic client behavior: reconnect immediately on
// every timeout, forever. Setting MaxAttempts bounds the number of consecutive
// reconnects, and InitialDelay/Multiplier/MaxDelay space them out exponentially:
//
//	attempt 1: InitialDelay
//	attempt 2: InitialDelay * Multiplier
//	attempt n: min(InitialDelay * Multiplier^(n-1), MaxDelay)   (× [0.5, 1.5) with Jitter)
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is reported for requests abandoned after MaxAttempts.
var ErrAttemptsExhausted = errors.New("retry: reconnect attempts exhausted")

// Policy configures reconnect backoff.
type Policy struct {
	MaxAttempts  int           // 0 means unbounded
	InitialDelay time.Duration // 0 means reconnect inline, no delay
	Multiplier   float64       // values below 1 are treated as 1
	MaxDelay     time.Duration // 0 means no cap
	Jitter       bool
}

// Unbounded reconnects immediately and never gives up.
func Unbounded() Policy {
	return Policy{}
}

// Exponential is a bounded policy suitable for interactive tools.
func Exponential(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// Exhausted reports whether attempt (1-based) is past the limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns how long to wait before reconnect attempt N (1-based).
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay)
	if attempt > 1 {
		mult := p.Multiplier
		if mult < 1.0 {
			mult = 1.0
		}
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Validate rejects policies that cannot be meant.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("retry: max attempts must not be negative")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry: delays must not be negative")
	}
	return nil
}
