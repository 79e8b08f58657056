package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "strategyd",
	Short:         "Durable-await executor for on-chain strategy programs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "strategyd.yaml", "Path to YAML config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(directCmd)
	rootCmd.AddCommand(ctlCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logs.Errorf("strategyd, err: %+v", err)
		os.Exit(1)
	}
}
