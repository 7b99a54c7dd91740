package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Return failed recordings to the pending queue",
		Long: `Requeue resets failed recordings so workers pick them up again.
With no arguments every failed recording is requeued; otherwise only the
given recording IDs are. Completed stages are not repeated on retry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid recording id %q", arg)
				}
				ids = append(ids, id)
			}

			_, st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			requeued, err := st.Requeue(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			if requeued == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed recordings to requeue.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d recording(s).\n", requeued)
			return nil
		},
	}
}
