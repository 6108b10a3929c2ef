package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is an optimistic version mismatch or lock contention.
	ErrConflict = errors.New("conflict")
	// ErrNotHolder means the caller tried to renew or release something it does not hold.
	ErrNotHolder = errors.New("not holder")
	// ErrExpired means a proposal or task claim aged out.
	ErrExpired = errors.New("expired")
	// ErrStoreUnavailable is fatal to the in-flight call.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAuditWriteFailed is returned when an audit entry could not be persisted.
	ErrAuditWriteFailed = errors.New("audit write failed")
	// ErrInvalid rejects malformed input before anything is written.
	ErrInvalid = errors.New("invalid argument")

	ErrLost           = fmt.Errorf("claim lost: %w", ErrExpired)
	ErrProposalClosed = fmt.Errorf("proposal closed: %w", ErrExpired)
	ErrSessionClosed  = errors.New("session closed")
	ErrNotOnRoster    = errors.New("agent not on proposal roster")
)

// ConflictError carries the version the store currently holds.
type ConflictError struct {
	Key     string
	Current int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (current version %d)", e.Key, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StoreError marks a backing-store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }
