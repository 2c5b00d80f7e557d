package ice

import "errors"

var (
	// ErrInvalidJob reports a job or argument rejected before touching storage.
	ErrInvalidJob = errors.New("ice: invalid job")
	// ErrBodyType reports a job body that cannot be decoded into the requested type.
	ErrBodyType = errors.New("ice: job body type mismatch")
	// ErrTombstoneBudget is returned when a pop skips more tombstones than allowed
	// without finding a live job.
	ErrTombstoneBudget = errors.New("ice: tombstone retry budget exhausted")
	// ErrInvalidFilter reports a listing expression that does not compile to a bool.
	ErrInvalidFilter = errors.New("ice: invalid filter")
)

// StoreError wraps a failure reported by the storage backend.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "ice: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
