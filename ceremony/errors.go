package ceremony

import "errors"

var (
	// ErrNoSession is returned when no usable registration challenge exists
	// for the share, including when the latest one has expired.
	ErrNoSession = errors.New("no registration session found")

	// ErrSessionUsed is returned when the latest challenge was already
	// consumed, including when a racing completion wins the consume CAS.
	ErrSessionUsed = errors.New("registration session already used")

	// ErrVerificationFailed covers every attestation verification mismatch.
	// Callers must not distinguish which check failed.
	ErrVerificationFailed = errors.New("attestation verification failed")

	// ErrBackupEligible is the policy rejection for syncable passkeys.
	ErrBackupEligible = errors.New("backup-eligible authenticators are not allowed")

	// ErrFileNotFound is returned when the target file no longer exists.
	ErrFileNotFound = errors.New("file not found")
)
