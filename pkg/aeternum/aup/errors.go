package aup

import "errors"

var (
	// ErrCancelled is returned when a caller-supplied context is
	// cancelled before the shadow write's fsync has returned — the only
	// window in which cancellation is honored cleanly (spec §5).
	ErrCancelled = errors.New("aup: upgrade cancelled before durability boundary")
	// ErrNotPrepared names the "no upgrade in progress" condition.
	// Commit and Abort do not return it: a rekeying context that does
	// not match the machine's in-flight upgrade surfaces from them as
	// pqrr.ErrRekeyingMismatch.
	ErrNotPrepared = errors.New("aup: no upgrade is in progress")
)
