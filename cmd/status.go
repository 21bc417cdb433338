package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/catalog"
	"github.com/kinhotel/pms-sync/internal/monitoring"
	"github.com/kinhotel/pms-sync/internal/pipeline"
	"github.com/kinhotel/pms-sync/internal/watermark"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watermarks and recent runs",
	Long: `Displays the stored watermark of every source and partition, flags the
ones that have not advanced within notify.stale_after, and lists recent runs
from the run log when a database is configured.

With --alert, stale watermarks are also sent to the notify webhook.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		alert, _ := cmd.Flags().GetBool("alert")

		cat, err := loadCatalog("")
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		defer b.Close()

		var lister monitoring.RunLister
		if rl := b.runLog(); rl != nil {
			lister = rl
		}
		snap, err := monitoring.NewCollector(b.watermarks, lister).Collect(ctx, cfg.Notify.StaleAfter, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if alert {
			alerter := monitoring.NewAlerter(cfg.Notify)
			if alerts := alerter.EvaluateSnapshot(snap); len(alerts) > 0 {
				sent := alerter.SendAlerts(ctx, alerts)
				zap.L().Info("stale watermark alerts", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
			}
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		if len(snap.Watermarks) == 0 {
			zap.L().Info("no watermarks found, run 'sync' to start extracting datasets")
		} else {
			formatWatermarks(os.Stdout, cat, snap)
		}
		if len(snap.Runs) > 0 {
			fmt.Println()
			formatRunEntries(os.Stdout, snap.Runs)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "number of recent runs to show")
	statusCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	statusCmd.Flags().Bool("alert", false, "send stale watermark alerts to the notify webhook")
	rootCmd.AddCommand(statusCmd)
}

// formatWatermarks writes a tabular representation of watermarks to out.
func formatWatermarks(out io.Writer, cat *catalog.Catalog, snap *monitoring.Snapshot) {
	stale := make(map[string]bool, len(snap.Stale))
	for _, e := range snap.Stale {
		stale[entryLabel(e)] = true
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tPARTITION\tBRANCH\tWINDOW END\tAGE\t")
	_, _ = fmt.Fprintln(w, "------\t---------\t------\t----------\t---\t")

	for _, e := range snap.Watermarks {
		flag := ""
		if stale[entryLabel(e)] {
			flag = "STALE"
		}
		age := snap.CollectedAt.Sub(e.WindowEnd).Round(time.Minute)
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.Source,
			e.Partition,
			cat.BranchName(e.Partition),
			e.WindowEnd.UTC().Format("2006-01-02 15:04"),
			age,
			flag,
		)
	}
	_ = w.Flush()
}

func entryLabel(e watermark.Entry) string {
	return fmt.Sprintf("%s/%d", e.Source, e.Partition)
}

// formatRunEntries writes a tabular representation of run log entries to out.
func formatRunEntries(out io.Writer, entries []pipeline.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tDATASET\tSTATUS\tSTARTED\tDURATION\tRECORDS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t-------\t------\t-------\t--------\t-------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			run,
			e.Dataset,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Records,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}
