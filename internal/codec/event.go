package codec

import (
	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"automation/internal/schema"
)

type stepEventWire struct {
	EventType    *string `json:"eventType"`
	EventVersion *uint32 `json:"eventVersion"`
	Payload      *string `json:"payload"`
	Timestamp    *string `json:"timestamp"`
	Source       *string `json:"source,omitempty"`
}

// EncodeStepEvent serializes a step event.
func EncodeStepEvent(ev schema.StepEvent) ([]byte, error) {
	eventType := string(ev.EventType)
	payload := hexutil.Encode(ev.Payload)
	ts := encodeTime(ev.Timestamp)
	wire := stepEventWire{
		EventType:    &eventType,
		EventVersion: &ev.EventVersion,
		Payload:      &payload,
		Timestamp:    &ts,
	}
	if ev.Source != "" {
		wire.Source = &ev.Source
	}
	return sonic.ConfigStd.Marshal(&wire)
}

// DecodeStepEvent validates and parses a step event.
func DecodeStepEvent(src []byte) (schema.StepEvent, error) {
	var wire stepEventWire
	if err := sonic.ConfigStd.Unmarshal(src, &wire); err != nil {
		return schema.StepEvent{}, malformed("step event is not a JSON object")
	}

	eventType, err := requireNonEmpty("eventType", wire.EventType)
	if err != nil {
		return schema.StepEvent{}, err
	}
	if !schema.EventType(eventType).IsAvailable() {
		return schema.StepEvent{}, malformed("unknown eventType " + eventType)
	}
	if wire.EventVersion == nil {
		return schema.StepEvent{}, malformed("missing field eventVersion")
	}
	payload, err := requireBytes("payload", wire.Payload)
	if err != nil {
		return schema.StepEvent{}, err
	}
	ts, err := requireTime("timestamp", wire.Timestamp)
	if err != nil {
		return schema.StepEvent{}, err
	}
	return schema.StepEvent{
		EventType:    schema.EventType(eventType),
		EventVersion: *wire.EventVersion,
		Payload:      payload,
		Timestamp:    ts,
		Source:       optionalString(wire.Source),
	}, nil
}
