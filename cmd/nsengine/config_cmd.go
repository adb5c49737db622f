package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nebulastream/nebulastream-sub027/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate engine configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a worker configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d worker thread(s), %d buffers/pool, %d bytes/buffer, mode=%s\n",
				cfg.NumberOfWorkerThreads, cfg.NumberOfBuffersInGlobalPool, cfg.BufferSizeBytes, cfg.QueryManagerMode)
			return nil
		},
	}
}
