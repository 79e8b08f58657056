package exception

import "github.com/yanun0323/errors"

// Effect protocol errors
var (
	ErrMalformedMessage   = errors.New("effect: malformed message")
	ErrUnknownEffectType  = errors.New("effect: unknown effect type")
	ErrDuplicateHandler   = errors.New("effect: duplicate handler registration")
	ErrNilHandler         = errors.New("effect: nil handler")
	ErrDecodePayload      = errors.New("effect: decode payload")
	ErrVaultNotConfigured = errors.New("effect: vault not configured")
	ErrEffectInFlight     = errors.New("effect: request already in flight")
	ErrEffectUnsettled    = errors.New("effect: outcome unknown after side effect was sent")
	ErrClaimLost          = errors.New("effect: claim no longer held")
)
