package topology

import (
	"strings"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

const (
	// ExchangeRequests distributes effect requests to the shared pending queue.
	ExchangeRequests = "effects.requests"
	// ExchangeResults routes effect results to per-strategy result queues.
	ExchangeResults = "effects.results"
	// ExchangeEvents routes step events to per-strategy inbound queues.
	ExchangeEvents = "strategy.events"

	// QueuePending is the competing-consumer queue drained by executors.
	QueuePending = "effects.pending"
	// KeyRequest binds QueuePending to ExchangeRequests.
	KeyRequest = "effect.request"
)

// ValidatePart rejects routing key parts that would break topic routing.
func ValidatePart(name, part string) error {
	if part == "" {
		return failure.Wrap(exception.ErrInvalidRoutingKey, name+" is empty")
	}
	if strings.ContainsAny(part, ".*#") {
		return failure.Wrap(exception.ErrInvalidRoutingKey, name+" "+part+" contains '.', '*' or '#'")
	}
	return nil
}

// ResultQueue is the dedicated result queue of a strategy.
func ResultQueue(strategyID string) string {
	return "strategy." + strategyID + ".results"
}

// EventQueue is the dedicated inbound step event queue of a strategy.
func EventQueue(strategyID string) string {
	return "strategy." + strategyID + ".events"
}

// ResultKey routes a result on ExchangeResults.
func ResultKey(strategyID string) string {
	return strategyID
}

// ActionKey routes user actions on ExchangeEvents.
func ActionKey(strategyID string) string {
	return "action." + strategyID
}

// LifecycleKey routes lifecycle commands on ExchangeEvents.
func LifecycleKey(strategyID string) string {
	return "lifecycle." + strategyID
}

// MarketKey routes market data for one market and interval on ExchangeEvents.
func MarketKey(market, interval string) (string, error) {
	if err := ValidatePart("market", market); err != nil {
		return "", err
	}
	if err := ValidatePart("interval", interval); err != nil {
		return "", err
	}
	if market == string(schema.EventAction) || market == string(schema.EventLifecycle) {
		return "", failure.Wrap(exception.ErrInvalidRoutingKey, "market "+market+" is reserved")
	}
	return market + "." + interval, nil
}

// EventKey returns the routing key that delivers an action or lifecycle event to one strategy.
func EventKey(eventType schema.EventType, strategyID string) (string, error) {
	if err := ValidatePart("strategy id", strategyID); err != nil {
		return "", err
	}
	switch eventType {
	case schema.EventAction:
		return ActionKey(strategyID), nil
	case schema.EventLifecycle:
		return LifecycleKey(strategyID), nil
	default:
		return "", failure.Wrap(exception.ErrInvalidRoutingKey, "event type "+string(eventType)+" is not addressed to a single strategy")
	}
}
