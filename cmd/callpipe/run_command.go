package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"callpipe/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		limit         int
		rateLimit     float64
		workers       int
		sinceFlag     string
		dryRun        bool
		forceReexport bool
		skipIngest    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one full pipeline pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if rateLimit > 0 {
				cfg.Source.RateLimitSeconds = rateLimit
			}
			if workers > 0 {
				cfg.Pipeline.Workers = workers
			}

			// Exclusivity holds a file lock for the whole pass.
			if cfg.Source.Exclusive {
				lock := flock.New(filepath.Join(cfg.Paths.DataDir, "callpipe.lock"))
				locked, err := lock.TryLock()
				if err != nil {
					return fmt.Errorf("acquire run lock: %w", err)
				}
				if !locked {
					return fmt.Errorf("another callpipe run holds the lock; try again later")
				}
				defer lock.Unlock()
			}

			logger, err := ctx.buildLogger(cfg)
			if err != nil {
				return err
			}

			mgr, err := buildManager(cfg, st, logger)
			if err != nil {
				return err
			}

			opts := workflow.BatchOptions{
				Limit:         limit,
				SkipIngest:    skipIngest,
				DryRun:        dryRun,
				ForceReexport: forceReexport,
			}
			if sinceFlag != "" {
				since, err := time.Parse(time.RFC3339, sinceFlag)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				opts.Since = since
			}

			result, err := mgr.RunBatch(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Dry run: %d pending, %d export candidates, %d awaiting disposal\n",
					result.Processed, result.Export.Candidates, result.Disposal.Candidates)
				return nil
			}
			fmt.Fprintf(out, "Ingested %d new recordings (%d listed, %d duplicates skipped)\n",
				result.Ingest.Inserted, result.Ingest.Listed, result.Ingest.Skipped)
			fmt.Fprintf(out, "Processed %d recordings, %d failed\n", result.Processed, result.Failed)
			fmt.Fprintf(out, "Exported %d, export failures %d\n", result.Export.Exported, result.Export.Failed)
			fmt.Fprintf(out, "Disposed %d recordings\n", result.Disposal.Disposed)

			dead, err := st.DeadLetters(cmd.Context(), cfg.Pipeline.MaxClaimRetries)
			if err != nil {
				return err
			}
			if len(dead) > 0 {
				return fmt.Errorf("%d recording(s) remain dead-lettered; inspect with `callpipe status` and retry with `callpipe requeue`", len(dead))
			}
			if result.Failed > 0 || result.Export.Failed > 0 {
				return fmt.Errorf("%d stage failures, %d export failures; see logs", result.Failed, result.Export.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum recordings to process (0 = unlimited)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Override minimum seconds between source requests")
	cmd.Flags().IntVar(&workers, "workers", 0, "Override the worker count for this pass")
	cmd.Flags().StringVar(&sinceFlag, "since", "", "List recordings starting at this RFC3339 time")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report pending work without polling the source or processing anything")
	cmd.Flags().BoolVar(&forceReexport, "force-reexport", false, "Retry failed and skipped exports")
	cmd.Flags().BoolVar(&skipIngest, "skip-ingest", false, "Process queued work without polling the source")

	return cmd
}
