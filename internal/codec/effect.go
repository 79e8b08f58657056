package codec

import (
	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"automation/internal/schema"
	"automation/pkg/scanner"
)

type effectRequestWire struct {
	StrategyID     *string `json:"strategyId"`
	Epoch          *string `json:"epoch"`
	IdempotencyKey *string `json:"idempotencyKey"`
	EffectType     *string `json:"effectType"`
	Payload        *string `json:"payload"`
	RequestedAt    *string `json:"requestedAt"`
	CorrelationID  *string `json:"correlationId,omitempty"`
}

type effectResultWire struct {
	StrategyID     *string `json:"strategyId"`
	Epoch          *string `json:"epoch"`
	IdempotencyKey *string `json:"idempotencyKey"`
	OK             *bool   `json:"ok"`
	Data           *string `json:"data"`
	RequestedAt    *string `json:"requestedAt"`
	CompletedAt    *string `json:"completedAt"`
	CorrelationID  *string `json:"correlationId,omitempty"`
	ExecutorID     *string `json:"executorId,omitempty"`
}

// EncodeEffectRequest serializes a request into its flat JSON form.
func EncodeEffectRequest(req schema.EffectRequest) ([]byte, error) {
	epoch := encodeUint(req.Epoch)
	key := req.IdempotencyKey.Hex()
	effectType := req.EffectType.Hex()
	payload := hexutil.Encode(req.Payload)
	requestedAt := encodeTime(req.RequestedAt)
	wire := effectRequestWire{
		StrategyID:     &req.StrategyID,
		Epoch:          &epoch,
		IdempotencyKey: &key,
		EffectType:     &effectType,
		Payload:        &payload,
		RequestedAt:    &requestedAt,
	}
	if req.CorrelationID != "" {
		wire.CorrelationID = &req.CorrelationID
	}
	return sonic.ConfigStd.Marshal(&wire)
}

// DecodeEffectRequest validates the full field shape before building the request.
// Every failure wraps exception.ErrMalformedMessage and is permanent.
func DecodeEffectRequest(src []byte) (schema.EffectRequest, error) {
	var wire effectRequestWire
	if err := sonic.ConfigStd.Unmarshal(src, &wire); err != nil {
		return schema.EffectRequest{}, malformed("effect request is not a JSON object")
	}

	var (
		req schema.EffectRequest
		err error
	)
	if req.StrategyID, err = requireNonEmpty("strategyId", wire.StrategyID); err != nil {
		return schema.EffectRequest{}, err
	}
	if req.Epoch, err = requireUint("epoch", wire.Epoch); err != nil {
		return schema.EffectRequest{}, err
	}
	key, err := requireHash("idempotencyKey", wire.IdempotencyKey)
	if err != nil {
		return schema.EffectRequest{}, err
	}
	req.IdempotencyKey = schema.IdempotencyKey(key)
	effectType, err := requireHash("effectType", wire.EffectType)
	if err != nil {
		return schema.EffectRequest{}, err
	}
	req.EffectType = schema.EffectType(effectType)
	if req.Payload, err = requireBytes("payload", wire.Payload); err != nil {
		return schema.EffectRequest{}, err
	}
	if req.RequestedAt, err = requireTime("requestedAt", wire.RequestedAt); err != nil {
		return schema.EffectRequest{}, err
	}
	req.CorrelationID = optionalString(wire.CorrelationID)
	return req, nil
}

// PeekStrategyID extracts the strategy id from a request body that may fail full validation.
func PeekStrategyID(src []byte) (string, bool) {
	req, ok := PeekRequest(src)
	return req.StrategyID, ok
}

// PeekRequest recovers what identity it can from a request body that failed full validation,
// so the requester can still be answered. ok is false without a strategy id.
func PeekRequest(src []byte) (schema.EffectRequest, bool) {
	str := scanned(src)
	var fields map[string]interface{}
	if err := sonic.ConfigStd.Unmarshal(src, &fields); err == nil {
		str = func(name string) *string {
			v, ok := fields[name].(string)
			if !ok {
				return nil
			}
			return &v
		}
	}

	strategyID := str("strategyId")
	if strategyID == nil || *strategyID == "" {
		return schema.EffectRequest{}, false
	}

	req := schema.EffectRequest{
		StrategyID:    *strategyID,
		CorrelationID: optionalString(str("correlationId")),
	}
	if epoch, err := requireUint("epoch", str("epoch")); err == nil {
		req.Epoch = epoch
	}
	if key, err := requireHash("idempotencyKey", str("idempotencyKey")); err == nil {
		req.IdempotencyKey = schema.IdempotencyKey(key)
	}
	if at, err := requireTime("requestedAt", str("requestedAt")); err == nil {
		req.RequestedAt = at
	}
	return req, true
}

// scanned reads string fields from a body that is not valid JSON, such as a truncated one.
func scanned(src []byte) func(name string) *string {
	return func(name string) *string {
		v, ok := scanner.StringField(src, name)
		if !ok {
			return nil
		}
		return &v
	}
}

// EncodeEffectResult serializes a result into its flat JSON form.
func EncodeEffectResult(res schema.EffectResult) ([]byte, error) {
	epoch := encodeUint(res.Epoch)
	key := res.IdempotencyKey.Hex()
	data := hexutil.Encode(res.Data)
	requestedAt := encodeTime(res.RequestedAt)
	completedAt := encodeTime(res.CompletedAt)
	wire := effectResultWire{
		StrategyID:     &res.StrategyID,
		Epoch:          &epoch,
		IdempotencyKey: &key,
		OK:             &res.OK,
		Data:           &data,
		RequestedAt:    &requestedAt,
		CompletedAt:    &completedAt,
	}
	if res.CorrelationID != "" {
		wire.CorrelationID = &res.CorrelationID
	}
	if res.ExecutorID != "" {
		wire.ExecutorID = &res.ExecutorID
	}
	return sonic.ConfigStd.Marshal(&wire)
}

// DecodeEffectResult validates the full field shape before building the result.
func DecodeEffectResult(src []byte) (schema.EffectResult, error) {
	var wire effectResultWire
	if err := sonic.ConfigStd.Unmarshal(src, &wire); err != nil {
		return schema.EffectResult{}, malformed("effect result is not a JSON object")
	}

	var (
		res schema.EffectResult
		err error
	)
	if res.StrategyID, err = requireNonEmpty("strategyId", wire.StrategyID); err != nil {
		return schema.EffectResult{}, err
	}
	if res.Epoch, err = requireUint("epoch", wire.Epoch); err != nil {
		return schema.EffectResult{}, err
	}
	key, err := requireHash("idempotencyKey", wire.IdempotencyKey)
	if err != nil {
		return schema.EffectResult{}, err
	}
	res.IdempotencyKey = schema.IdempotencyKey(key)
	if res.OK, err = requireBool("ok", wire.OK); err != nil {
		return schema.EffectResult{}, err
	}
	if res.Data, err = requireBytes("data", wire.Data); err != nil {
		return schema.EffectResult{}, err
	}
	if res.RequestedAt, err = requireTime("requestedAt", wire.RequestedAt); err != nil {
		return schema.EffectResult{}, err
	}
	if res.CompletedAt, err = requireTime("completedAt", wire.CompletedAt); err != nil {
		return schema.EffectResult{}, err
	}
	res.CorrelationID = optionalString(wire.CorrelationID)
	res.ExecutorID = optionalString(wire.ExecutorID)
	return res, nil
}
