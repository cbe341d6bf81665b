// Package bridge turns a push-based TCP byte stream into a pull-based,
// backpressure-aware output sequence. Each bridge owns one loopback listener,
// accepts any number of producer connections, forwards every received byte
// into one ordered output, and drives a clean two-phase shutdown: stop the
// producer, then release the transport.
package bridge
