// Package run defines the pure core of the agent-run engine: run phases and
// the phase transition table, task/owner identity, the closed failure
// taxonomy with its classifier, and the event types emitted while a run is
// in flight.
//
// Everything in this package is side-effect free and safe to call from any
// goroutine. Higher layers (admission, engine, store) depend on run; run
// depends on nothing but the standard library.
package run
