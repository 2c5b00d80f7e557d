// Package pebbleice is the embedded ice.Store backend. Job records, the Delay
// Bucket index and the per-topic Ready Queues share one Pebble keyspace
// (see keys.go); every multi-key update is a single Pebble batch.
package pebbleice
