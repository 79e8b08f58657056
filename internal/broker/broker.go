package broker

import (
	"context"
	"strings"
	"time"
)

// ExchangeKind is the routing behavior of an exchange.
type ExchangeKind string

const (
	// KindDirect routes on exact routing key equality.
	KindDirect ExchangeKind = "direct"
	// KindTopic routes on dot-separated patterns where * matches one word and # zero or more.
	KindTopic ExchangeKind = "topic"
)

func (k ExchangeKind) IsAvailable() bool {
	return k == KindDirect || k == KindTopic
}

// Message is a persistent broker message.
type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	MessageID     string
	Timestamp     time.Time
}

// Delivery is a message handed to a consumer that must be settled explicitly.
type Delivery interface {
	Message() Message
	Redelivered() bool
	// Ack confirms processing and removes the message.
	Ack() error
	// Nack rejects the message, returning it to the head of its queue when requeue is true.
	Nack(requeue bool) error
}

// Broker is the message transport shared by strategy loops and executors.
// Implementations are safe for concurrent use.
type Broker interface {
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error
	DeclareQueue(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error
	Bind(ctx context.Context, queue, exchange, key string) error
	Unbind(ctx context.Context, queue, exchange, key string) error

	// Publish returns accepted=false when the broker refused the message for lack of capacity.
	// Callers treat that as backpressure and retry.
	Publish(ctx context.Context, exchange, key string, msg Message) (accepted bool, err error)

	// Get pulls one message without blocking. ok is false when the queue is empty.
	Get(ctx context.Context, queue string) (d Delivery, ok bool, err error)

	// Consume streams deliveries with at most prefetch unsettled at a time.
	// The channel closes when ctx ends or the broker closes.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	Close() error
}

// MatchTopic reports whether key matches an AMQP topic binding pattern.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

func routes(kind ExchangeKind, pattern, key string) bool {
	if kind == KindTopic {
		return MatchTopic(pattern, key)
	}
	return pattern == key
}
