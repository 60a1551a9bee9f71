// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// settlement engine and handlers to distinguish failure scenarios.
// ErrStaleWrite in particular is the sole signal that a settlement lost
// the race for a cell: the compare-and-set in ApplyTransfer refused to
// overwrite state that changed after the quote was issued.
package repository

import "errors"

// ErrStaleWrite is returned when a transfer's expected prior price no
// longer matches the stored price (or the candidate would not raise it).
// The caller must not retry: money has already moved at the gateway, so
// this is surfaced as a reconciliation case, never silently dropped.
var ErrStaleWrite = errors.New("stale write")

// ErrSessionNotFound is returned when a bulk session id does not exist,
// either because it was never created or because a previous delivery of
// the same terminal event already consumed it. Settlement treats it as
// a duplicate.
var ErrSessionNotFound = errors.New("bulk session not found")
