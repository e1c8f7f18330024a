// Package store owns durable payment state. No other component touches
// storage directly: the lifecycle engine reads and writes records through a
// Store implementation and nothing else.
package store

import "errors"

var (
	// ErrNotFound indicates no record exists for the given reference.
	ErrNotFound = errors.New("payment not found")

	// ErrDuplicateReference indicates a transaction reference collision on
	// create.
	ErrDuplicateReference = errors.New("transaction reference already exists")

	// ErrActivePayment indicates an order already has a non-terminal payment.
	// Create enforces this atomically so concurrent initiations cannot both
	// succeed.
	ErrActivePayment = errors.New("an active payment already exists for this order")

	// ErrVersionConflict indicates a save lost an optimistic concurrency
	// check: the record changed since it was read.
	ErrVersionConflict = errors.New("payment was modified concurrently")
)
