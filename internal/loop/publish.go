package loop

import (
	"context"

	"automation/internal/broker"
	"automation/internal/codec"
	"automation/internal/failure"
	"automation/internal/obs"
	"automation/internal/schema"
	"automation/internal/topology"
)

// PublishEvent routes ev into the inbound queue of strategyID and returns its correlation id.
func PublishEvent(ctx context.Context, p *broker.Publisher, strategyID string, ev schema.StepEvent) (string, error) {
	key, err := topology.EventKey(ev.EventType, strategyID)
	if err != nil {
		return "", err
	}
	body, err := codec.EncodeStepEvent(ev)
	if err != nil {
		return "", failure.Wrap(err, "encode step event")
	}

	correlationID := obs.NewCorrelationID()
	err = p.Publish(ctx, topology.ExchangeEvents, key, broker.Message{
		Body:          body,
		ContentType:   codec.ContentType,
		CorrelationID: correlationID,
		Timestamp:     ev.Timestamp,
	})
	if err != nil {
		return "", failure.Wrap(err, "publish "+string(ev.EventType)+" event")
	}
	return correlationID, nil
}
