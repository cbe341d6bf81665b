// Package readiness implements a bounded, backoff-based polling gate that
// confirms an asynchronously initializing external dependency exposes a
// required capability before it is used.
package readiness
