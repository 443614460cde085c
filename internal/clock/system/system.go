// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements casefetch.Clock. Times are UTC so record timestamps
// and checkpoint rows never carry a local zone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
