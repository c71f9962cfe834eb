package capacity

import "errors"

var (
	// ErrResourceTooLarge indicates a model needs more GPUs than the whole pool holds.
	ErrResourceTooLarge = errors.New("capacity: model requires more GPUs than the pool capacity")
	// ErrInsufficientEvictableCapacity indicates non-immune models cannot free the deficit.
	ErrInsufficientEvictableCapacity = errors.New("capacity: insufficient evictable capacity")
	// ErrCapacityExceeded indicates a transaction would commit usage above capacity.
	ErrCapacityExceeded = errors.New("capacity: pool usage exceeds capacity")
	// ErrLockMissing indicates the capacity lock row was not seeded.
	ErrLockMissing = errors.New("capacity: lock row missing")
	// ErrModelMissing indicates the model row vanished before it could be toggled.
	ErrModelMissing = errors.New("capacity: model not found")
)
