// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by stream timeouts and
// lock polling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that
	// can cancel or reschedule the call. If d <= 0, f runs
	// immediately (in a new goroutine for the real clock,
	// synchronously for the fake clock).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the call. It reports whether the call was still
// pending; false means f already ran or the timer was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the call to run d from now. It reports whether
// the timer was pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
