package registry

import "errors"

// Sentinel errors for registry failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrSlotEmpty indicates no scan currently occupies the slot.
	ErrSlotEmpty = errors.New("registry: no scan in slot")

	// ErrUnknownScan indicates the scan ID is neither active nor
	// retained in the retired cache.
	ErrUnknownScan = errors.New("registry: unknown scan")

	// ErrNotRunning indicates an operation that requires a live scan
	// hit one already in a terminal state.
	ErrNotRunning = errors.New("registry: scan not running")
)
