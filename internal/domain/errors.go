// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrInvalidTransition indicates a state change that is not in the entity's
// transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInsufficientData indicates a batch or dataset below the minimum viable size.
var ErrInsufficientData = errors.New("insufficient data")

// ErrHalted indicates the pipeline is halted for the requested domain and
// requires manual clearance before new work is accepted.
var ErrHalted = errors.New("pipeline halted: manual clearance required")

// ErrQuarantined indicates an artifact failed signature verification and is
// quarantined from deployment.
var ErrQuarantined = errors.New("artifact quarantined: signature verification failed")

// ErrQuotaExceeded indicates a submission was rejected because it would exceed
// the configured cost or quota ceiling.
var ErrQuotaExceeded = errors.New("cost or quota ceiling exceeded")

// ErrCurationInProgress indicates a concurrent curation run already holds the
// exclusive lock for the target dataset.
var ErrCurationInProgress = errors.New("curation already in progress for dataset")

// ErrSchemaMismatch indicates a trace batch carried an unsupported schema
// version. Fatal to the batch, surfaced as an operator alert.
var ErrSchemaMismatch = errors.New("trace schema version mismatch")
