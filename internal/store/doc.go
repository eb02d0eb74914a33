// Package store declares the persistence contract for job status history.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
