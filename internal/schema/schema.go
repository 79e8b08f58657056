package schema

import (
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// StepEventVersion is the current step event version.
const StepEventVersion uint32 = 1

// EventType is the category of a step event delivered to a strategy.
type EventType string

const (
	EventAction    EventType = "action"
	EventLifecycle EventType = "lifecycle"
	EventOHLC      EventType = "ohlc"
)

func (t EventType) IsAvailable() bool {
	switch t {
	case EventAction, EventLifecycle, EventOHLC:
		return true
	default:
		return false
	}
}

// Hash returns the keccak256 discriminator the strategy program receives.
func (t EventType) Hash() [32]byte {
	return crypto.Keccak256Hash([]byte(t))
}

// StepEvent is an external stimulus delivered to a strategy's inbound queue.
type StepEvent struct {
	EventType    EventType
	EventVersion uint32
	Payload      []byte
	Timestamp    time.Time
	Source       string
}

// NewStepEvent builds an event with the current version.
func NewStepEvent(eventType EventType, payload []byte, source string, ts time.Time) StepEvent {
	return StepEvent{
		EventType:    eventType,
		EventVersion: StepEventVersion,
		Payload:      payload,
		Timestamp:    ts.UTC(),
		Source:       source,
	}
}

// LifecycleCommand is the payload of a lifecycle step event.
type LifecycleCommand uint8

const (
	_lifecycle_command_beg LifecycleCommand = iota
	LifecycleStart
	LifecycleShutdown
	_lifecycle_command_end
)

func (c LifecycleCommand) IsAvailable() bool {
	return c > _lifecycle_command_beg && c < _lifecycle_command_end
}
