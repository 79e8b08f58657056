package effect

import (
	"io"

	"automation/internal/chain"
	"automation/internal/schema"
	"automation/internal/store"
)

// Builtins are the collaborators of the built-in handlers.
type Builtins struct {
	Store  store.Store
	Binder Binder
	Chains map[uint64]*chain.Transactor
	// Topics is shared with whoever invalidates it; nil builds a private one.
	Topics  *TopicRegistry
	Console io.Writer
}

// RegisterBuiltins registers the LOG, subscription and funds handlers.
func RegisterBuiltins(r *Registry, b Builtins) error {
	if b.Topics == nil {
		b.Topics = NewTopicRegistry(b.Store)
	}
	handlers := map[schema.EffectType]Handler{
		schema.EffectLog:             NewLogHandler(b.Topics, b.Store, b.Console),
		schema.EffectSubscribeOHLC:   NewSubscribeHandler(b.Binder),
		schema.EffectUnsubscribeOHLC: NewUnsubscribeHandler(b.Binder),
		schema.EffectUseFunds:        NewUseFundsHandler(b.Store, b.Chains),
		schema.EffectReturnFunds:     NewReturnFundsHandler(b.Store, b.Chains),
	}
	for t, h := range handlers {
		if err := r.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
