package resilience

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BackoffStrategy computes the wait before retry attempt n (1-based:
// attempt 1 is the wait after the first failure).
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

type FixedBackoff struct {
	Base time.Duration
}

func (f FixedBackoff) Delay(int) time.Duration { return f.Base }

type LinearBackoff struct {
	Base time.Duration
}

func (l LinearBackoff) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * l.Base
}

type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	return time.Duration(float64(e.Base) * math.Pow(factor, float64(attempt-1)))
}

// CustomBackoff adapts an arbitrary schedule.
type CustomBackoff func(attempt int) time.Duration

func (c CustomBackoff) Delay(attempt int) time.Duration { return c(attempt) }

// ParseBackoff maps a configured strategy name to its variant.
func ParseBackoff(name string, base time.Duration, factor float64) (BackoffStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fixed":
		return FixedBackoff{Base: base}, nil
	case "linear":
		return LinearBackoff{Base: base}, nil
	case "exponential", "":
		return ExponentialBackoff{Base: base, Factor: factor}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
