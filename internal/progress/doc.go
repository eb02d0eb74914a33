// Package progress collects job status updates published by job coordinators
// and fans them out, in batches, to pluggable sinks such as Prometheus
// metrics, a Postgres status table or a Pub/Sub topic. Publishing never
// blocks the coordinator.
package progress
