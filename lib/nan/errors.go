package nan

import "errors"

// Sentinel errors. Call sites wrap them with oops for context; compare with
// errors.Is.
var (
	ErrManagerClosed       = errors.New("nan state manager is closed")
	ErrManagerRunning      = errors.New("nan state manager already running")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrSessionKindConflict = errors.New("session kind cannot change between publish and subscribe")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNoConfigRequests    = errors.New("no configuration requests to merge")
	ErrNativeCommand       = errors.New("native command failed")
)
