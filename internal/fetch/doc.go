// Package fetch defines the task, result and error types shared by the engine's subsystems.
//
// A Task describes one retrieval. The dispatcher drives it through rate-limit admission,
// pooled resource acquisition and the transport or renderer call, and produces exactly one
// Result per Task. Failures are reported as *Error values carrying a Kind so callers can tell
// an unreachable target from an engine that ran out of capacity.
package fetch
