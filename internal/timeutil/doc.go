// Package timeutil provides timers driven by a cooperative event loop.
//
// Unlike [time.AfterFunc], a [Scheduler] never runs callbacks on its own goroutine:
// the loop owner calls [Scheduler.Fire] with the current time and due callbacks run inline.
package timeutil
