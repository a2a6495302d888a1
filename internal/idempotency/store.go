// Package idempotency implements the reservation protocol that guarantees
// at-most-once execution per idempotency key. A reservation combines a
// short-lived in-flight lock (Locker) with a durable terminal-result record
// (IdempotencyRepository): the lock fences concurrent executors, the record
// makes retried submissions return the stored outcome without re-executing.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stablepay/batch-orchestrator/internal/store"
	"github.com/stablepay/batch-orchestrator/internal/store/redis"
)

// ErrKeyConflict is returned when an idempotency key is reused with a
// different request payload.
var ErrKeyConflict = errors.New("idempotency key already used with a different payload")

// Outcome of a Reserve call.
type Outcome int

const (
	// OutcomeAcquired: the caller is the exclusive executor for the key and
	// must eventually call Complete or Release.
	OutcomeAcquired Outcome = iota
	// OutcomeTerminal: a stored result exists; it is returned verbatim.
	OutcomeTerminal
	// OutcomeInFlight: another caller holds the reservation. Retry after a
	// short backoff.
	OutcomeInFlight
)

// Reservation is the handle returned by Reserve. For OutcomeAcquired it
// carries the lock token needed by Complete and Release; for OutcomeTerminal
// it carries the stored record.
type Reservation struct {
	Key     string
	Outcome Outcome
	Record  *store.IdempotencyRecord

	token string
}

const defaultLockTTL = 2 * time.Minute

// Store coordinates reservations over a locker and a durable result repo.
type Store struct {
	locker  redis.Locker
	results store.IdempotencyRepository
	lockTTL time.Duration
}

func New(locker redis.Locker, results store.IdempotencyRepository, lockTTL time.Duration) *Store {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Store{locker: locker, results: results, lockTTL: lockTTL}
}

// NewMemory returns a Store backed entirely by in-process state, for
// single-node deployments and tests.
func NewMemory() *Store {
	return New(redis.NewMemoryLocker(), NewMemoryRepository(), 0)
}

// Reserve resolves the state of key. The fingerprint is checked against any
// stored terminal record; a mismatch means the key was reused for a
// different payload and yields ErrKeyConflict alongside the stored record.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if rec, err := s.results.Get(ctx, key); err != nil {
		return Reservation{}, fmt.Errorf("lookup idempotency result: %w", err)
	} else if rec != nil {
		return s.terminal(key, fingerprint, rec)
	}

	token, acquired, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return Reservation{}, fmt.Errorf("acquire reservation: %w", err)
	}
	if !acquired {
		return Reservation{Key: key, Outcome: OutcomeInFlight}, nil
	}

	// A completer may have written the result between the lookup and the
	// lock acquisition. Re-check so the stored outcome always wins.
	if rec, err := s.results.Get(ctx, key); err != nil {
		_ = s.locker.Release(ctx, key, token)
		return Reservation{}, fmt.Errorf("recheck idempotency result: %w", err)
	} else if rec != nil {
		_ = s.locker.Release(ctx, key, token)
		return s.terminal(key, fingerprint, rec)
	}

	return Reservation{Key: key, Outcome: OutcomeAcquired, token: token}, nil
}

func (s *Store) terminal(key, fingerprint string, rec *store.IdempotencyRecord) (Reservation, error) {
	res := Reservation{Key: key, Outcome: OutcomeTerminal, Record: rec}
	if rec.Fingerprint != fingerprint {
		return res, ErrKeyConflict
	}
	return res, nil
}

// Complete writes the terminal record for an acquired reservation and frees
// the in-flight lock. After Complete, every future Reserve on the key is
// OutcomeTerminal.
func (s *Store) Complete(ctx context.Context, res Reservation, rec *store.IdempotencyRecord) error {
	if res.Outcome != OutcomeAcquired {
		return fmt.Errorf("complete called on non-acquired reservation for %s", res.Key)
	}
	if err := s.results.Put(ctx, rec); err != nil {
		return fmt.Errorf("store idempotency result: %w", err)
	}
	if err := s.locker.Release(ctx, res.Key, res.token); err != nil {
		return fmt.Errorf("release reservation after complete: %w", err)
	}
	return nil
}

// Release frees an acquired reservation without recording a result, allowing
// a future retry to execute. Used on transient infrastructure failure.
func (s *Store) Release(ctx context.Context, res Reservation) error {
	if res.Outcome != OutcomeAcquired {
		return nil
	}
	return s.locker.Release(ctx, res.Key, res.token)
}
