package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

var topologyStrategies []string

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Declare the shared exchanges and queues, and optionally strategy queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return declareTopology(ctx)
	},
}

func init() {
	topologyCmd.Flags().StringSliceVar(&topologyStrategies, "strategy", nil, "Strategy ids whose queues to declare")
}

func declareTopology(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	return withBroker(ctx, a, func(ctx context.Context) error {
		for _, id := range topologyStrategies {
			if err := a.topology.DeclareStrategy(ctx, id); err != nil {
				return err
			}
			logs.Infof("declared queues of %s", id)
		}
		logs.Infof("topology declared")
		return nil
	})
}

// withBroker runs fn once the broker is ready, then disconnects.
func withBroker(ctx context.Context, a *app, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runBroker(gctx) })
	g.Go(func() error {
		defer cancel()
		if err := a.ready(gctx); err != nil {
			return err
		}
		return fn(gctx)
	})
	return g.Wait()
}
