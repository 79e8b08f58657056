package main

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"automation/internal/failure"
	"automation/internal/lifecycle"
	"automation/internal/loop"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/pkg/exception"
)

var (
	publishPayload string
	publishCommand string
	publishSource  string
)

var publishCmd = &cobra.Command{
	Use:   "publish <strategy>",
	Short: "Publish an action event, or a lifecycle command with --command, to a strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := buildEvent(time.Now())
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		return publish(ctx, store.NormalizeID(args[0]), ev)
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishPayload, "payload", "0x", "Hex encoded action payload")
	publishCmd.Flags().StringVar(&publishCommand, "command", "", "Lifecycle command: start or shutdown")
	publishCmd.Flags().StringVar(&publishSource, "source", "cli", "Event source recorded with the event")
}

func buildEvent(now time.Time) (schema.StepEvent, error) {
	if publishCommand == "" {
		payload, err := hexutil.Decode(publishPayload)
		if err != nil {
			return schema.StepEvent{}, failure.Wrap(exception.ErrInvalidArgument, "payload is not 0x-prefixed hex")
		}
		return schema.NewStepEvent(schema.EventAction, payload, publishSource, now), nil
	}

	var cmd schema.LifecycleCommand
	switch publishCommand {
	case "start":
		cmd = schema.LifecycleStart
	case "shutdown":
		cmd = schema.LifecycleShutdown
	default:
		return schema.StepEvent{}, failure.Wrap(exception.ErrInvalidArgument, "unknown command "+publishCommand)
	}
	payload, err := lifecycle.EncodeCommand(cmd)
	if err != nil {
		return schema.StepEvent{}, err
	}
	return schema.NewStepEvent(schema.EventLifecycle, payload, publishSource, now), nil
}

func publish(ctx context.Context, strategyID string, ev schema.StepEvent) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	return withBroker(ctx, a, func(ctx context.Context) error {
		correlationID, err := loop.PublishEvent(ctx, a.pub, strategyID, ev)
		if err != nil {
			return err
		}
		logs.Infof("published %s event to %s, correlation id %s", ev.EventType, strategyID, correlationID)
		return nil
	})
}
