package ledger

import "errors"

// Sentinel errors shared by every Client implementation.
var (
	// ErrNotFound is returned when an id, document, or named capability
	// does not exist on the node.
	ErrNotFound = errors.New("not found on ledger")

	// ErrCallFailed wraps network- or node-side failures of submit/await
	// and of reads that did not complete. Potentially retryable.
	ErrCallFailed = errors.New("ledger call failed")
)
