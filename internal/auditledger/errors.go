package auditledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an event or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInconsistent marks an internal-consistency failure: the accumulator
	// leaf count disagrees with the ledger cardinality. Never retry it.
	ErrInconsistent = errors.New("ledger inconsistent")

	// ErrInvalidEvent is returned for malformed ingestion input.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrSigningDisabled is returned by VerifySignature when no key is loaded.
	ErrSigningDisabled = errors.New("snapshot signing is not configured")
)

func invalidEvent(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, reason)
}
