// Package storage provides the key/value and lock contract shared by all
// room state, with interchangeable filesystem, Redis and PostgreSQL backends.
//
// All operations are atomic at the operation granularity. CompareAndPut and
// Lock are the primitives the room layer builds its transactions on; a
// backend that cannot provide them atomically is not a valid backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Entry is a single key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// LockResult describes the outcome of a Lock call.
type LockResult struct {
	Acquired bool
	// HeldBy is the current owner when Acquired is false.
	HeldBy string
}

// Store is the backend contract. Keys are slash-separated paths
// ("tasks/t1", "messages/seq"); Scan order is lexicographic by key.
type Store interface {
	// Get returns the value for key. found is false when the key is absent
	// or its TTL has expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put overwrites key with value. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndPut writes value only if the current value equals expected.
	// expected == nil means "key must be absent". Returns false on mismatch.
	CompareAndPut(ctx context.Context, key string, expected, value []byte) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns all live entries whose key starts with prefix, in
	// ascending key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Lock atomically acquires the named lock for owner with the given ttl.
	// An expired lock is reclaimable by any caller.
	Lock(ctx context.Context, name, owner string, ttl time.Duration) (LockResult, error)

	// Unlock releases the named lock if owner matches; otherwise ErrNotOwner.
	Unlock(ctx context.Context, name, owner string) error

	// Tick runs a backend-driven expiry sweep. May be a no-op for backends
	// with native TTL.
	Tick(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Backend identifiers accepted by configuration.
const (
	BackendFS       = "fs"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

var (
	// ErrNotOwner is returned by Unlock when the caller does not hold the lock.
	ErrNotOwner = errors.New("lock not held by caller")

	// ErrUnknownBackend is returned when configuration names a backend that
	// does not exist. Fatal — there is no retry that can fix it.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrCorruptValue is returned when a stored value cannot be decoded.
	ErrCorruptValue = errors.New("corrupt stored value")
)

// TransientError marks an error as retriable (connection lost, write race).
// The room layer retries transient failures with exponential backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError, preserving nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// retry policy for transient failures. Attempts are capped so a dead
// backend surfaces quickly instead of hanging callers.
const (
	maxRetryAttempts = 4
	retryBaseDelay   = 50 * time.Millisecond
)

// WithRetry runs fn, retrying transient errors with exponential backoff and
// jitter up to maxRetryAttempts. Non-transient errors return immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		delay := retryBaseDelay << attempt
		delay += time.Duration(rand.Int63n(int64(delay / 2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
