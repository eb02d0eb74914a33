// Package sinks implements progress consumers: structured logging, Prometheus
// gauges, a status repository, a Pub/Sub publisher and an in-memory board of
// the latest update per job.
package sinks
