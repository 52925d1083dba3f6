// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so timeout
// behavior (negotiation deadlines, handshake deadlines, keepalives)
// is deterministically testable.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, or time.NewTicker directly. Real() provides
// standard library behavior; Fake() provides a clock that advances
// only when Advance is called. Use WaitForTimers to synchronize with
// goroutines before advancing:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start goroutine that calls c.After(timeout) ...
//	c.WaitForTimers(1)
//	c.Advance(timeout)
package clock
