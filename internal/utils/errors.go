package utils

import (
	"errors"
)

// Domain-level errors used by the service layer to provide
// fine-grained failure reasons.
var (
	ErrInvalidInput    = errors.New("invalid_input")
	ErrDeviceIDInvalid = errors.New("device_id_invalid")
	ErrNoPendingNonce  = errors.New("no_pending_nonce")
	ErrStaleNonce      = errors.New("stale_nonce")

	// ErrNoKeyForDevice is the sentinel that triggers client
	// re-attestation (mapped to 422 by the HTTP layer).
	ErrNoKeyForDevice = errors.New("no_key_for_device")

	// ErrKeyAlreadyBound: another device already registered this key id.
	ErrKeyAlreadyBound = errors.New("key_already_bound")

	// For concurrency conflicts on the assertion counter.
	ErrCounterConflict = errors.New("counter_conflict")

	ErrStorage = errors.New("storage_error")
)
