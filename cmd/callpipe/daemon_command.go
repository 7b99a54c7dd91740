package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			logger, err := ctx.buildLogger(cfg)
			if err != nil {
				return err
			}

			mgr, err := buildManager(cfg, st, logger)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := mgr.Start(runCtx); err != nil {
				return err
			}
			<-runCtx.Done()
			mgr.Stop()
			return nil
		},
	}
}
