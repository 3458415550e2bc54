// Package vramerrors defines the error-kind sentinels every component of
// the orchestration core returns through, so callers can discriminate
// failure modes with errors.Is instead of string matching.
package vramerrors

import "errors"

// Sentinels correspond one-to-one with the error table in §7 of the core
// specification. They are never wrapped with additional sentinel types;
// component code wraps them with fmt.Errorf("...: %w", ErrX) for context.
var (
	// ErrOutOfCapacity is returned by a lending pool when no registered GPU
	// is both eligible and has enough lendable bytes for a borrow request.
	ErrOutOfCapacity = errors.New("vramcore: no eligible lender with sufficient capacity")

	// ErrQueueFull is returned when submit() finds the waiting queue at its
	// configured maximum.
	ErrQueueFull = errors.New("vramcore: waiting queue is full")

	// ErrPageExhausted is returned when local allocation, overflow borrow,
	// and LRU eviction have all failed to produce a free page.
	ErrPageExhausted = errors.New("vramcore: no physical page available")

	// ErrModelFailure wraps a forward-pass failure local to one request.
	ErrModelFailure = errors.New("vramcore: model forward pass failed")

	// ErrLeaseInvalidated marks a lease dropped by a CRITICAL reclaim while
	// still nominally in use by its borrower.
	ErrLeaseInvalidated = errors.New("vramcore: lease invalidated by critical reclaim")

	// ErrDeviceLost indicates the device runtime signalled a fatal, GPU-wide
	// error; every request scheduled on that device is terminated.
	ErrDeviceLost = errors.New("vramcore: device lost")

	// ErrCancelled marks a request cancelled before completion, e.g. by
	// Stop() draining the waiting queue.
	ErrCancelled = errors.New("vramcore: request cancelled")
)
