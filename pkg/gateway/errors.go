package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownResourceClass is returned for requests naming a resource class
// outside the configured set
var ErrUnknownResourceClass = errors.New("unknown resource class")

// RateLimitedError is returned when admission control rejects a request.
// RetryAfter is how long the caller should wait before retrying; zero when
// the request cost exceeds the bucket capacity outright.
type RateLimitedError struct {
	RetryAfter time.Duration
	Limit      float64
	Burst      int
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// AsRateLimited unwraps err into a RateLimitedError if it is one
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// DownstreamError wraps a failure from the downstream fetch or write
// callback. It is propagated to the caller and never cached.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %s failed: %v", e.Op, e.Err)
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}
