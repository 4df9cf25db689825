package shared

import "time"

// Clock abstracts wall-clock reads so decision logic can be evaluated
// against fixed instants in tests. The core never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

// Now returns the current UTC instant.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
