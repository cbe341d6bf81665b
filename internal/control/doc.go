// Package control defines the out-of-band control channel used to drive the
// external capture producer: a capability probe plus start/stop commands
// addressed by session index. It also provides an HTTP JSON client
// implementation for runtimes exposing that surface over loopback HTTP.
package control
