package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"automation/internal/control"
	"automation/internal/failure"
	"automation/pkg/exception"
)

var ctlSocket string

var ctlCmd = &cobra.Command{
	Use:   "ctl <start|shutdown|status|loops> [strategy-id]",
	Short: "Send a lifecycle command to a running serve process",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := control.Request{Op: args[0]}
		if len(args) == 2 {
			req.StrategyID = args[1]
		}
		if req.Op != control.OpLoops && req.StrategyID == "" {
			return failure.Wrap(exception.ErrInvalidArgument, req.Op+" needs a strategy id")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		resp, err := control.Call(ctx, ctlSocket, req)
		if err != nil {
			return err
		}
		out, err := sonic.ConfigStd.MarshalIndent(&resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if !resp.OK {
			return failure.New(resp.Error)
		}
		return nil
	},
}

func init() {
	ctlCmd.Flags().StringVar(&ctlSocket, "socket", defaultControlSocket, "Control socket of the serve process")
}
