package exception

import "github.com/yanun0323/errors"

// Execution loop errors
var (
	ErrIterationLimit      = errors.New("loop: iteration limit exceeded")
	ErrSimulationFailed    = errors.New("loop: simulation reverted")
	ErrCommitFailed        = errors.New("loop: commit transaction failed")
	ErrLoopStarted         = errors.New("loop: already started")
	ErrAwaitTimeout        = errors.New("loop: timed out awaiting effect result")
	ErrLoopAlreadyExists   = errors.New("loop: already registered")
	ErrLoopNotFound        = errors.New("loop: not registered")
	ErrInvalidTransition   = errors.New("loop: invalid status transition")
	ErrTransactionFailed   = errors.New("chain: transaction reverted")
	ErrTransactionRejected = errors.New("chain: transaction rejected by node")
	ErrMissingEntryPoint   = errors.New("chain: strategy missing entry point")
)
