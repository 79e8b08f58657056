package main

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"automation/internal/direct"
	"automation/internal/failure"
	"automation/internal/lifecycle"
	"automation/internal/loop"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/pkg/exception"
)

var directPayloads []string

var directCmd = &cobra.Command{
	Use:   "direct <strategy>",
	Short: "Drive action events through a strategy in process, executing effects locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runDirect(ctx, store.NormalizeID(args[0]))
	},
}

func init() {
	directCmd.Flags().StringSliceVar(&directPayloads, "payload", []string{"0x"}, "Hex encoded action payloads, processed in order")
}

func runDirect(ctx context.Context, strategyID string) error {
	events := make([]schema.StepEvent, 0, len(directPayloads))
	for _, p := range directPayloads {
		payload, err := hexutil.Decode(p)
		if err != nil {
			return failure.Wrap(exception.ErrInvalidArgument, "payload "+p+" is not 0x-prefixed hex")
		}
		events = append(events, schema.NewStepEvent(schema.EventAction, payload, "direct", time.Now()))
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	return withBroker(ctx, a, func(ctx context.Context) error {
		if err := a.openExecution(ctx); err != nil {
			return err
		}
		chains := lifecycle.ChainResolver{HostChainID: a.cfg.HostChain, Transactors: a.chains}
		resolve := func(ctx context.Context, id string) (loop.Contract, error) {
			st, err := a.store.Strategy(ctx, id)
			if err != nil {
				return nil, err
			}
			return chains.Program(ctx, st)
		}

		runner := direct.New(ctx, resolve, a.executor(), a.metrics, a.cfg.Direct)
		for _, ev := range events {
			if err := runner.Submit(strategyID, ev); err != nil {
				return err
			}
		}
		if err := runner.Close(ctx); err != nil {
			return err
		}

		epoch, ok := runner.Epoch(strategyID)
		if !ok {
			logs.Infof("direct %s committed nothing", strategyID)
			return nil
		}
		logs.Infof("direct %s at epoch %d", strategyID, epoch)
		return nil
	})
}
