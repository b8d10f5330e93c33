package hcd

import "errors"

var (
	// ErrNoResources means descriptor or buffer memory could not be
	// obtained; the submission was unwound and nothing was queued.
	ErrNoResources = errors.New("descriptor memory exhausted")

	// ErrCancelled is reported for transfers removed by AbortEndpoint
	// or RemoveEndpoint before the controller finished them.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrNotRunning is returned for submissions against a controller
	// that has not been started or has been stopped.
	ErrNotRunning = errors.New("controller not running")

	// ErrDeadBus means the controller stopped advancing frames and did
	// not recover after a reset.
	ErrDeadBus = errors.New("bus not responding")

	errBadRequest = errors.New("malformed transfer request")
)
