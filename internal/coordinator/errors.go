package coordinator

import "errors"

// Sentinel errors for coordinator operations.
var (
	// ErrSetupFailed is returned by Initialize when the first fetch fails.
	ErrSetupFailed = errors.New("coordinator: setup failed")

	// ErrAuthFailed is returned while the coordinator is latched after the
	// API rejected the credential.
	ErrAuthFailed = errors.New("coordinator: authentication failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator: closed")

	// ErrReauthUnsupported is returned by Reauthorize when the source cannot
	// accept a new credential.
	ErrReauthUnsupported = errors.New("coordinator: source does not support reauthorization")
)
