package exception

import "github.com/yanun0323/errors"

// Broker errors
var (
	ErrBrokerClosed        = errors.New("broker: closed")
	ErrBrokerNotConnected  = errors.New("broker: not connected")
	ErrUnknownQueue        = errors.New("broker: unknown queue")
	ErrUnknownExchange     = errors.New("broker: unknown exchange")
	ErrDeliverySettled     = errors.New("broker: delivery already settled")
	ErrPublishRejected     = errors.New("broker: publish rejected after retries")
	ErrInvalidRoutingKey   = errors.New("broker: invalid routing key part")
	ErrInvalidExchangeKind = errors.New("broker: invalid exchange kind")
)
