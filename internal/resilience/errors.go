package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrOverloaded is returned when the backpressure queue is at capacity.
var ErrOverloaded = errors.New("system overloaded")

// RateLimitError carries the wait until the next token becomes available.
type RateLimitError struct {
	CallerKey  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.CallerKey, e.RetryAfter)
}

// RetryExhaustedError wraps the final error after all attempts failed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }
