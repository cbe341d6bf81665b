// Package session manages the lifecycle of capture sessions. A session binds
// a monotonic index and derived loopback port to one bridge, guards creation
// behind a readiness gate on the capture runtime, and drives the two-phase
// destroy that stops the producer before releasing the transport.
package session
