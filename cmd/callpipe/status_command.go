package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"callpipe/internal/store"
)

type statusReport struct {
	DatabasePath string                     `json:"database_path"`
	Healthy      bool                       `json:"healthy"`
	HealthDetail string                     `json:"health_detail,omitempty"`
	States       map[string]int             `json:"states"`
	Total        int                        `json:"total"`
	Exports      map[store.ExportStatus]int `json:"exports"`
	Stages       map[string]int             `json:"stages_complete"`
	DeadLetters  []deadLetterView           `json:"dead_letters"`
}

func summarizeHealth(health store.DatabaseHealth) (bool, string) {
	switch {
	case !health.DatabaseExists:
		return false, "database file does not exist"
	case !health.DatabaseReadable:
		return false, "database is not readable"
	case len(health.MissingTables) > 0:
		return false, fmt.Sprintf("missing tables: %s", strings.Join(health.MissingTables, ", "))
	case !health.IntegrityCheck:
		return false, "integrity check failed"
	case health.Error != "":
		return false, health.Error
	}
	return true, ""
}

type deadLetterView struct {
	ID        int64  `json:"id"`
	SourceID  string `json:"source_id"`
	LastError string `json:"last_error"`
	Retries   int    `json:"retries"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, export, and database status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cmdCtx := cmd.Context()
			counts, err := st.Stats(cmdCtx)
			if err != nil {
				return err
			}
			exports, err := st.ExportCounts(cmdCtx)
			if err != nil {
				return err
			}
			stageCounts, err := st.StageCounts(cmdCtx)
			if err != nil {
				return err
			}
			dead, err := st.DeadLetters(cmdCtx, cfg.Pipeline.MaxClaimRetries)
			if err != nil {
				return err
			}
			health, err := st.CheckHealth(cmdCtx)
			if err != nil {
				return err
			}
			healthy, detail := summarizeHealth(health)

			report := statusReport{
				DatabasePath: st.Path(),
				Healthy:      healthy,
				HealthDetail: detail,
				States:       make(map[string]int, len(counts)),
				Total:        counts.Total(),
				Exports:      exports,
				Stages:       stageCounts,
			}
			for state, count := range counts {
				report.States[string(state)] = count
			}
			for _, rec := range dead {
				report.DeadLetters = append(report.DeadLetters, deadLetterView{
					ID:        rec.ID,
					SourceID:  rec.SourceID,
					LastError: rec.LastError,
					Retries:   rec.RetryCount,
				})
			}

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			renderStatus(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func renderStatus(cmd *cobra.Command, report statusReport) {
	out := cmd.OutOrStdout()
	pretty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	fmt.Fprintf(out, "Database: %s\n", report.DatabasePath)
	if report.Healthy {
		fmt.Fprintln(out, "Health:   ok")
	} else {
		fmt.Fprintf(out, "Health:   DEGRADED (%s)\n", report.HealthDetail)
	}
	fmt.Fprintln(out)

	states := table.NewWriter()
	states.SetOutputMirror(out)
	states.AppendHeader(table.Row{"State", "Count"})
	for _, state := range store.AllStates() {
		if count := report.States[string(state)]; count > 0 {
			states.AppendRow(table.Row{string(state), count})
		}
	}
	states.AppendFooter(table.Row{"total", report.Total})
	states.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	applyTableStyle(states, pretty)
	states.Render()

	if len(report.Stages) > 0 {
		fmt.Fprintln(out)
		stages := table.NewWriter()
		stages.SetOutputMirror(out)
		stages.AppendHeader(table.Row{"Stage", "Complete"})
		names := make([]string, 0, len(report.Stages))
		for name := range report.Stages {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			stages.AppendRow(table.Row{name, report.Stages[name]})
		}
		stages.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
		applyTableStyle(stages, pretty)
		stages.Render()
	}

	if len(report.Exports) > 0 {
		fmt.Fprintln(out)
		exports := table.NewWriter()
		exports.SetOutputMirror(out)
		exports.AppendHeader(table.Row{"Export Status", "Count"})
		for _, status := range []store.ExportStatus{store.ExportPending, store.ExportExported, store.ExportFailed, store.ExportSkipped} {
			if count := report.Exports[status]; count > 0 {
				exports.AppendRow(table.Row{string(status), count})
			}
		}
		exports.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
		applyTableStyle(exports, pretty)
		exports.Render()
	}

	if len(report.DeadLetters) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Dead letters (%d):\n", len(report.DeadLetters))
		letters := table.NewWriter()
		letters.SetOutputMirror(out)
		letters.AppendHeader(table.Row{"ID", "Source", "Retries", "Last Error"})
		for _, dl := range report.DeadLetters {
			letters.AppendRow(table.Row{dl.ID, dl.SourceID, dl.Retries, truncate(dl.LastError, 60)})
		}
		applyTableStyle(letters, pretty)
		letters.Render()
		fmt.Fprintln(out, "Use `callpipe requeue` to retry them.")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func applyTableStyle(w table.Writer, pretty bool) {
	if pretty {
		w.SetStyle(table.StyleRounded)
		return
	}
	w.SetStyle(table.StyleDefault)
	style := w.Style()
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
}
