package replikv

import "errors"

// ErrInvalidEntry reports an entry the replica must not store: wrong
// namespace or failed authorisation. No state changes.
// Callers should use errors.Is(err, ErrInvalidEntry).
var ErrInvalidEntry = errors.New("replikv: invalid entry")

// ErrNoEntry reports a payload ingestion for coordinates with no stored
// entry.
// Callers should use errors.Is(err, ErrNoEntry).
var ErrNoEntry = errors.New("replikv: no entry at coordinates")

// ErrMismatchedHash reports a payload whose digest does not match the
// stored entry's.
// Callers should use errors.Is(err, ErrMismatchedHash).
var ErrMismatchedHash = errors.New("replikv: payload digest mismatch")

// ErrClosed reports an operation against a closed replica.
// Callers should use errors.Is(err, ErrClosed).
var ErrClosed = errors.New("replikv: replica closed")
