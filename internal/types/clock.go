package types

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock returns the system time in UTC.
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
