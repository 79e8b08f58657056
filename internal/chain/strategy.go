package chain

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

const strategyABIJSON = `[
  {"type":"function","name":"step","stateMutability":"nonpayable",
   "inputs":[{"name":"input","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"submitEffectResult","stateMutability":"nonpayable",
   "inputs":[{"name":"epoch","type":"uint64"},{"name":"idempotencyKey","type":"bytes32"},{"name":"ok","type":"bool"},{"name":"data","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"epoch","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"lifecycleStatus","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"error","name":"EffectNeeded",
   "inputs":[{"name":"epoch","type":"uint64"},{"name":"idempotencyKey","type":"bytes32"},{"name":"effectType","type":"bytes32"},{"name":"payload","type":"bytes"}]}
]`

var (
	strategyABI       = mustParseABI(strategyABIJSON)
	effectNeededError = strategyABI.Errors["EffectNeeded"]
	stepInputArgs     = mustArguments("bytes32", "uint32", "uint64", "bytes")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustArguments(typeNames ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(typeNames))
	for _, name := range typeNames {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// LifecycleStatus is the on-chain lifecycle of a strategy program.
type LifecycleStatus uint8

const (
	LifecycleDeployed LifecycleStatus = iota
	LifecycleStarted
	LifecycleShuttingDown
	LifecycleShutdown
)

func (s LifecycleStatus) String() string {
	switch s {
	case LifecycleDeployed:
		return "deployed"
	case LifecycleStarted:
		return "started"
	case LifecycleShuttingDown:
		return "shutting_down"
	case LifecycleShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// EffectDescriptor is the external work a strategy asked for through the EffectNeeded revert.
type EffectDescriptor struct {
	Epoch          uint64
	IdempotencyKey schema.IdempotencyKey
	EffectType     schema.EffectType
	Payload        []byte
}

// Request turns the descriptor into a request addressed from strategyID.
func (d EffectDescriptor) Request(strategyID, correlationID string, requestedAt time.Time) schema.EffectRequest {
	return schema.EffectRequest{
		StrategyID:     strategyID,
		Epoch:          d.Epoch,
		IdempotencyKey: d.IdempotencyKey,
		EffectType:     d.EffectType,
		Payload:        d.Payload,
		RequestedAt:    requestedAt.UTC(),
		CorrelationID:  correlationID,
	}
}

// SimulationKind tags a SimulationResult.
type SimulationKind uint8

const (
	SimulationSuccess SimulationKind = iota + 1
	SimulationEffectNeeded
	SimulationReverted
)

func (k SimulationKind) String() string {
	switch k {
	case SimulationSuccess:
		return "success"
	case SimulationEffectNeeded:
		return "effect_needed"
	case SimulationReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// SimulationResult is the outcome of a read-only step call.
// Effect is set for SimulationEffectNeeded, Reason for SimulationReverted.
type SimulationResult struct {
	Kind   SimulationKind
	Effect EffectDescriptor
	Reason string
}

// Succeeded builds a success result.
func Succeeded() SimulationResult {
	return SimulationResult{Kind: SimulationSuccess}
}

// NeedsEffect builds an effect-needed result.
func NeedsEffect(d EffectDescriptor) SimulationResult {
	return SimulationResult{Kind: SimulationEffectNeeded, Effect: d}
}

// Reverted builds a revert result.
func Reverted(reason string) SimulationResult {
	return SimulationResult{Kind: SimulationReverted, Reason: reason}
}

// EncodeStepInput packs an event as step input: abi(bytes32 eventTypeHash, uint32 version, uint64 timestamp, bytes payload).
func EncodeStepInput(ev schema.StepEvent) ([]byte, error) {
	ts := ev.Timestamp.Unix()
	if ts < 0 {
		ts = 0
	}
	payload := ev.Payload
	if payload == nil {
		payload = []byte{}
	}
	out, err := stepInputArgs.Pack(ev.EventType.Hash(), ev.EventVersion, uint64(ts), payload)
	if err != nil {
		return nil, failure.Wrap(err, "pack step input")
	}
	return out, nil
}

// EncodeEffectNeeded packs the reserved EffectNeeded revert data.
func EncodeEffectNeeded(d EffectDescriptor) ([]byte, error) {
	payload := d.Payload
	if payload == nil {
		payload = []byte{}
	}
	args, err := effectNeededError.Inputs.Pack(d.Epoch, [32]byte(d.IdempotencyKey), [32]byte(d.EffectType), payload)
	if err != nil {
		return nil, failure.Wrap(err, "pack EffectNeeded")
	}
	return append(effectNeededError.ID.Bytes()[:4:4], args...), nil
}

// DecodeEffectNeeded unpacks revert data carrying the reserved EffectNeeded error.
func DecodeEffectNeeded(data []byte) (EffectDescriptor, bool) {
	if len(data) < 4 || !bytes.Equal(data[:4], effectNeededError.ID.Bytes()[:4]) {
		return EffectDescriptor{}, false
	}
	values, err := effectNeededError.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 4 {
		return EffectDescriptor{}, false
	}
	epoch, ok1 := values[0].(uint64)
	key, ok2 := values[1].([32]byte)
	effectType, ok3 := values[2].([32]byte)
	payload, ok4 := values[3].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return EffectDescriptor{}, false
	}
	if len(payload) == 0 {
		payload = nil
	}
	return EffectDescriptor{
		Epoch:          epoch,
		IdempotencyKey: schema.IdempotencyKey(key),
		EffectType:     schema.EffectType(effectType),
		Payload:        payload,
	}, true
}

// Strategy binds a deployed strategy program.
type Strategy struct {
	client  Client
	address common.Address
}

// NewStrategy binds the strategy program at address.
func NewStrategy(client Client, address common.Address) *Strategy {
	return &Strategy{client: client, address: address}
}

func (s *Strategy) Address() common.Address {
	return s.address
}

// StepCalldata packs step(input).
func (s *Strategy) StepCalldata(input []byte) ([]byte, error) {
	return strategyABI.Pack("step", input)
}

// SubmitResultCalldata packs submitEffectResult(epoch, key, ok, data).
func (s *Strategy) SubmitResultCalldata(res schema.EffectResult) ([]byte, error) {
	data := res.Data
	if data == nil {
		data = []byte{}
	}
	return strategyABI.Pack("submitEffectResult", res.Epoch, [32]byte(res.IdempotencyKey), res.OK, data)
}

// Simulate runs step(input) read-only from the operator account.
// RPC failures are returned as errors; reverts are part of the result.
func (s *Strategy) Simulate(ctx context.Context, from common.Address, input []byte) (SimulationResult, error) {
	calldata, err := s.StepCalldata(input)
	if err != nil {
		return SimulationResult{}, failure.Wrap(err, "pack step")
	}
	_, err = s.client.Call(ctx, ethereum.CallMsg{From: from, To: &s.address, Data: calldata})
	if err == nil {
		return Succeeded(), nil
	}
	var revert *RevertError
	if !errors.As(err, &revert) {
		return SimulationResult{}, failure.Wrap(err, "simulate step")
	}
	if d, ok := DecodeEffectNeeded(revert.Data); ok {
		return NeedsEffect(d), nil
	}
	return Reverted(revert.Error()), nil
}

// Epoch reads the strategy's step counter.
func (s *Strategy) Epoch(ctx context.Context) (uint64, error) {
	values, err := s.view(ctx, "epoch")
	if err != nil {
		return 0, err
	}
	epoch, ok := values[0].(uint64)
	if !ok {
		return 0, failure.Wrap(exception.ErrInternal, "epoch output is not uint64")
	}
	return epoch, nil
}

// LifecycleStatus reads the strategy's on-chain lifecycle.
func (s *Strategy) LifecycleStatus(ctx context.Context) (LifecycleStatus, error) {
	values, err := s.view(ctx, "lifecycleStatus")
	if err != nil {
		return 0, err
	}
	status, ok := values[0].(uint8)
	if !ok {
		return 0, failure.Wrap(exception.ErrInternal, "lifecycleStatus output is not uint8")
	}
	return LifecycleStatus(status), nil
}

// Verify fails with exception.ErrMissingEntryPoint when nothing is deployed at the address.
func (s *Strategy) Verify(ctx context.Context) error {
	code, err := s.client.CodeAt(ctx, s.address)
	if err != nil {
		return failure.Wrap(err, "read code")
	}
	if len(code) == 0 {
		return failure.Wrap(exception.ErrMissingEntryPoint, "no code at "+s.address.Hex())
	}
	return nil
}

func (s *Strategy) view(ctx context.Context, method string) ([]interface{}, error) {
	return callView(ctx, s.client, strategyABI, s.address, method)
}

func callView(ctx context.Context, client Client, contract abi.ABI, address common.Address, method string, args ...interface{}) ([]interface{}, error) {
	calldata, err := contract.Pack(method, args...)
	if err != nil {
		return nil, failure.Wrap(err, "pack "+method)
	}
	out, err := client.Call(ctx, ethereum.CallMsg{To: &address, Data: calldata})
	if err != nil {
		return nil, failure.Wrap(err, "call "+method)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, failure.Wrap(err, "unpack "+method)
	}
	if len(values) == 0 {
		return nil, failure.Wrap(exception.ErrInternal, method+" returned nothing")
	}
	return values, nil
}
