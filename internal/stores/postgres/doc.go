// Package pgice is the PostgreSQL ice.Store backend. The Job Pool, Delay
// Bucket and Ready Queues are the tables ice_jobs, ice_delay_bucket and
// ice_ready_queue (schema.sql). Batches commit in one transaction and due
// or ready rows are claimed with FOR UPDATE SKIP LOCKED, so several
// processes can share a database.
package pgice
