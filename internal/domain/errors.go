package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	// Configuration errors. Fatal at the component boundary.
	ErrAdapterNotRegistered = errors.New("venue adapter not registered")
	ErrInvalidPool          = errors.New("invalid pool descriptor")
	ErrUnknownPool          = errors.New("unknown pool")
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrSubmissionDisabled   = errors.New("submission not configured")

	// Monitor and evaluator.
	ErrDecode        = errors.New("pool state decode failed")
	ErrTransport     = errors.New("transport failure")
	ErrStaleSnapshot = errors.New("snapshot stale")
	ErrNoDepth       = errors.New("depth proxy absent")
	ErrBelowFloor    = errors.New("net profit below floor")
	ErrNotDivergent  = errors.New("prices not divergent")
	ErrBelowMinInput = errors.New("clamped size below minimum input")

	// Execution.
	ErrCircuitPaused    = errors.New("circuit breaker paused")
	ErrNonceUnresolved  = errors.New("nonce journal unresolved")
	ErrNonceNotSynced   = errors.New("nonce manager not synced with chain")
	ErrSimulationRevert = errors.New("simulation reverted")
	ErrReceiptTimeout   = errors.New("receipt not found before timeout")
	ErrTxRejected       = errors.New("transaction rejected by node")
	ErrNonceInUse       = errors.New("nonce already occupied on chain")
	ErrMalformedResult  = errors.New("malformed call result")
	ErrDuplicate        = errors.New("duplicate submission")

	// Ledger.
	ErrReconcileDrift = errors.New("ledger diverges from observed balance")
)
