package effect

import (
	"context"
	"errors"

	"automation/internal/schema"
	"automation/pkg/exception"
)

// Binder adds and removes the market bindings of a strategy's inbound queue.
type Binder interface {
	BindMarket(ctx context.Context, strategyID, market, interval string) error
	UnbindMarket(ctx context.Context, strategyID, market, interval string) error
}

// SubscriptionHandler lets a strategy choose the market data it receives.
type SubscriptionHandler struct {
	binder    Binder
	subscribe bool
}

func NewSubscribeHandler(binder Binder) *SubscriptionHandler {
	return &SubscriptionHandler{binder: binder, subscribe: true}
}

func NewUnsubscribeHandler(binder Binder) *SubscriptionHandler {
	return &SubscriptionHandler{binder: binder}
}

func (h *SubscriptionHandler) Handle(ctx context.Context, req schema.EffectRequest) (Outcome, error) {
	market, interval, err := decodeMarket(req.Payload)
	if err != nil {
		return Failed("invalid subscription payload: " + err.Error()), nil
	}

	if h.subscribe {
		err = h.binder.BindMarket(ctx, req.StrategyID, market, interval)
	} else {
		err = h.binder.UnbindMarket(ctx, req.StrategyID, market, interval)
	}
	if errors.Is(err, exception.ErrInvalidRoutingKey) || errors.Is(err, exception.ErrUnknownQueue) {
		return Failed(err.Error()), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	return Succeeded(nil), nil
}
