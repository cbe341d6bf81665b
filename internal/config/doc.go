// Package config provides configuration loading and validation for the
// capture bridge service. It handles YAML-based configuration with
// per-section struct validation and carries the service-wide defaults for
// capture sessions that do not override them.
package config
