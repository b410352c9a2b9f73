// Package config provides configuration loading and validation for the
// karaoke pitch service. It reads a YAML file with one section per
// component and validates every section before the service starts.
package config
