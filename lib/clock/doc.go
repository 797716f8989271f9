// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every bounded wait in xmppd.
//
// Dialback round trips, stream read timeouts, lock polling and the
// connection-manager idle policy all take a [Clock] instead of calling
// the time package. Production wiring passes [Real]; tests pass a
// [FakeClock] and fire deadlines explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	originator := &dialback.Originator{Clock: fake, ...}
//	go originator.CreateOutgoingSession(ctx, "a.example", "b.example", 0)
//	fake.WaitForTimers(1)        // reply wait is armed
//	fake.Advance(5 * time.Second) // expire it
//
// Only pending timers count toward [FakeClock.WaitForTimers]. A timer
// that was stopped after its guarded read completed no longer counts,
// so tests can wait for exactly the wait they care about.
package clock
