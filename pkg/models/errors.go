package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedKey is returned when private key material fails to parse or
	// is not on the engine's curve.
	ErrMalformedKey = errors.New("malformed key")

	// ErrInvalidPublicKey is returned when a public key fails to parse or
	// fails curve validation.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrUnauthorized is returned when the caller's key does not match the
	// identity an operation requires.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidExpiration is returned for a ttl outside [MinTTL, MaxTTL].
	ErrInvalidExpiration = errors.New("invalid expiration")

	// ErrCapabilityInvalid is wrapped by every *CapabilityInvalidError.
	ErrCapabilityInvalid = errors.New("capability invalid")

	// ErrAuthenticationFailure is returned when authenticated decryption fails.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrNotFound is returned when a record, capability, package or share does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an entity id is written twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStorageUnavailable wraps durable store I/O failures and timeouts.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLocatorMismatch is returned when a capability would bind a record
	// under a different locator.
	ErrLocatorMismatch = errors.New("locator mismatch")

	// ErrInvalidLocator is returned for an empty locator.
	ErrInvalidLocator = errors.New("invalid locator")

	// ErrInvalidRequest is returned for a share request whose fields do not
	// name exactly one source record.
	ErrInvalidRequest = errors.New("invalid request")
)

// InvalidReason names why a capability is unusable.
type InvalidReason string

const (
	ReasonRevoked             InvalidReason = "revoked"
	ReasonExpired             InvalidReason = "expired"
	ReasonFingerprintMismatch InvalidReason = "fingerprint_mismatch"
)

// CapabilityInvalidError is returned when access is attempted against a dead
// or tampered capability.
type CapabilityInvalidError struct {
	Reason InvalidReason
}

func (e *CapabilityInvalidError) Error() string {
	return fmt.Sprintf("capability invalid: %s", e.Reason)
}

func (e *CapabilityInvalidError) Unwrap() error {
	return ErrCapabilityInvalid
}

// InvalidReasonOf extracts the reason from a wrapped *CapabilityInvalidError.
func InvalidReasonOf(err error) (InvalidReason, bool) {
	var ce *CapabilityInvalidError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
