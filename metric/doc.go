// Package metric provides Prometheus metrics for the Qollective
// framework: a shared registry preloaded with transport and NATS
// collectors, a Registrar interface for service-specific metrics, and an
// HTTP server exposing the registry.
package metric
