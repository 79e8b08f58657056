package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"automation/internal/control"
	"automation/internal/lifecycle"
	"automation/internal/loop"
	"automation/internal/registry"
)

const stopGrace = 30 * time.Second

var (
	serveStart    []string
	serveExecutor bool
	serveControl  string
)

const defaultControlSocket = "/tmp/strategyd.sock"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run strategy loops and lifecycle operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveStart, "start", nil, "Strategy ids to start once ready")
	serveCmd.Flags().BoolVar(&serveExecutor, "executor", true, "Run an effect executor in the same process")
	serveCmd.Flags().StringVar(&serveControl, "control", defaultControlSocket, "Control socket path, empty to disable")
}

func serve(ctx context.Context) error {
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

	loops := registry.New()
	svc := lifecycle.New(gctx, lifecycle.Deps{
		Store:    a.store,
		Topology: a.topology,
		Registry: loops,
		Resolver: lifecycle.ChainResolver{HostChainID: a.cfg.HostChain, Transactors: a.chains},
		Topics:   a.topics,
		Loop: loop.Deps{
			Broker:    a.broker,
			Publisher: a.pub,
			Metrics:   a.metrics,
		},
	}, a.cfg.Lifecycle)

	recovered, err := svc.Recover(gctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logs.Infof("marked %d interrupted lifecycle operations as failed", recovered)
	}

	if serveExecutor {
		exec := a.executor()
		g.Go(func() error { return exec.Run(gctx) })
		logs.Infof("executor %s consuming effects", exec.ID())
	}

	if serveControl != "" {
		ctl, err := control.NewServer(serveControl, svc, loops)
		if err != nil {
			return err
		}
		g.Go(func() error { return ctl.Run(gctx) })
	}

	for _, id := range serveStart {
		op, err := svc.Start(gctx, id)
		if err != nil {
			logs.Errorf("start %s, err: %+v", id, err)
			continue
		}
		logs.Infof("start %s of %s: %s", op.ID, op.StrategyID, op.Status)
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if err := svc.Wait(stopCtx); err != nil {
			logs.Errorf("wait lifecycle operations, err: %+v", err)
		}
		return loops.StopAll(stopCtx)
	})

	return g.Wait()
}
