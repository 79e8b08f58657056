package exception

import "github.com/yanun0323/errors"

// Lifecycle errors
var (
	ErrVaultNotRegistered = errors.New("lifecycle: vault not registered")
	ErrVaultEmpty         = errors.New("lifecycle: vault balance is empty")
	ErrGasPoolTooLow      = errors.New("lifecycle: vault gas pool below minimum")
	ErrVaultShutdown      = errors.New("lifecycle: vault already shut down")
	ErrShutdownTimeout    = errors.New("lifecycle: timed out waiting for on-chain shutdown")
	ErrInterrupted        = errors.New("lifecycle: interrupted by restart")
	ErrOperationNotFound  = errors.New("lifecycle: operation not found")
)
