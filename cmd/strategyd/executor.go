package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run a competing effect executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runExecutor(ctx)
	},
}

func runExecutor(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runBroker(gctx) })

	if err := a.ready(gctx); err != nil {
		return err
	}
	if err := a.openExecution(gctx); err != nil {
		return err
	}

	exec := a.executor()
	logs.Infof("executor %s consuming effects with handlers %v", exec.ID(), a.effects.Types())
	g.Go(func() error { return exec.Run(gctx) })
	return g.Wait()
}
