package types

import "time"

// Clock abstracts wall-clock access so tests can supply a virtual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Millis converts a time to unix milliseconds, the timestamp unit used in
// all persisted state.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts unix milliseconds back to a time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
