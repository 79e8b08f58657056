package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"automation/internal/failure"
	"automation/internal/schema"
)

// Program drives one strategy: read-only simulation from its operator account and signed commits.
type Program struct {
	strategyID string
	binding    *Strategy
	tx         *Transactor
	operator   common.Address
}

// NewProgram binds the strategy at address on the transactor's chain, acting as operator.
func NewProgram(strategyID string, address, operator common.Address, tx *Transactor) *Program {
	return &Program{
		strategyID: strategyID,
		binding:    NewStrategy(tx.Client(), address),
		tx:         tx,
		operator:   operator,
	}
}

func (p *Program) Binding() *Strategy {
	return p.binding
}

// Simulate runs step(input) without committing.
func (p *Program) Simulate(ctx context.Context, input []byte) (SimulationResult, error) {
	return p.binding.Simulate(ctx, p.operator, input)
}

// Commit sends step(input) as a real transaction and waits for confirmation.
func (p *Program) Commit(ctx context.Context, input []byte) error {
	calldata, err := p.binding.StepCalldata(input)
	if err != nil {
		return failure.Wrap(err, "pack step")
	}
	_, err = p.tx.Send(ctx, TxRequest{
		StrategyID: p.strategyID,
		Purpose:    PurposeStep,
		From:       p.operator,
		To:         p.binding.Address(),
		Data:       calldata,
	})
	return err
}

// SubmitResult injects an effect result on chain, separately from the step call.
func (p *Program) SubmitResult(ctx context.Context, res schema.EffectResult) error {
	calldata, err := p.binding.SubmitResultCalldata(res)
	if err != nil {
		return failure.Wrap(err, "pack submitEffectResult")
	}
	_, err = p.tx.Send(ctx, TxRequest{
		StrategyID: p.strategyID,
		Purpose:    PurposeSubmitResult,
		From:       p.operator,
		To:         p.binding.Address(),
		Data:       calldata,
	})
	return err
}

// Epoch reads the strategy's step counter.
func (p *Program) Epoch(ctx context.Context) (uint64, error) {
	return p.binding.Epoch(ctx)
}

// LifecycleStatus reads the strategy's on-chain lifecycle.
func (p *Program) LifecycleStatus(ctx context.Context) (LifecycleStatus, error) {
	return p.binding.LifecycleStatus(ctx)
}
