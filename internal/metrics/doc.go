// Package metrics defines the Prometheus metrics exported by the service.
package metrics
