// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// snapshots, plain and indexed batches, prefix scans and minimal metrics hooks.
// It backs the embedded Ice store in internal/stores/pebble.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewIndexedBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(ctx, b)
//	b.Close()
//
//	_ = db.ScanPrefix([]byte("ice/job/"), func(k, v []byte) bool { return true })
package pebblestore
