package scanning

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// SystemClock is the production TimeProvider.
type SystemClock struct{}

// Now returns the current UTC time at the microsecond precision Postgres
// stores.
func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
