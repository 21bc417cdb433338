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

	"github.com/kinhotel/pms-sync/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <dataset>",
	Short: "Inspect a dataset history",
	Long: `Prints the stored history of one dataset partition.

By default only current versions are shown. --as-of reconstructs the state
at a past instant, --all prints every version, and --key restricts output to
one natural key. --validate checks the version invariants instead, and
--quarantine lists the records that were rejected before historization.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		branch, _ := cmd.Flags().GetInt("branch")
		asOfStr, _ := cmd.Flags().GetString("as-of")
		all, _ := cmd.Flags().GetBool("all")
		key, _ := cmd.Flags().GetString("key")
		asJSON, _ := cmd.Flags().GetBool("json")
		validate, _ := cmd.Flags().GetBool("validate")
		quarantined, _ := cmd.Flags().GetBool("quarantine")

		cat, err := loadCatalog("")
		if err != nil {
			return err
		}
		d, err := cat.Get(args[0])
		if err != nil {
			return err
		}
		var only []int
		if branch > 0 {
			only = []int{branch}
		}
		partitions, err := cat.Partitions(d, only)
		if err != nil {
			return err
		}
		if len(partitions) != 1 {
			return eris.Errorf("history: %s is per branch, pass --branch", d.Name)
		}

		if quarantined {
			return printQuarantine(cmd, d.Name, partitions[0], asJSON)
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "history")
		}
		defer b.Close()

		records, err := b.history.Load(ctx, d.Name, partitions[0])
		if err != nil {
			return eris.Wrap(err, "history")
		}

		if validate {
			if err := history.Validate(records); err != nil {
				return err
			}
			fmt.Printf("%s/%d: %d versions, %d current, valid\n",
				d.Name, partitions[0], len(records), len(history.Current(records)))
			return nil
		}

		selected, err := selectVersions(records, asOfStr, all, key)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(selected)
		}
		formatRecords(os.Stdout, selected)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("branch", 0, "branch id (required for per-branch datasets)")
	historyCmd.Flags().String("as-of", "", "show the state at this instant (RFC3339 or YYYY-MM-DD, UTC)")
	historyCmd.Flags().Bool("all", false, "show every version, not only current ones")
	historyCmd.Flags().String("key", "", "only show versions of this natural key")
	historyCmd.Flags().Bool("json", false, "print versions as JSON")
	historyCmd.Flags().Bool("validate", false, "check version invariants and print a summary")
	historyCmd.Flags().Bool("quarantine", false, "list quarantined records instead of versions")
	rootCmd.AddCommand(historyCmd)
}

// selectVersions applies the --as-of, --all and --key filters.
func selectVersions(records []history.Record, asOfStr string, all bool, key string) ([]history.Record, error) {
	var out []history.Record
	switch {
	case asOfStr != "":
		t, err := parseInstant(asOfStr)
		if err != nil {
			return nil, err
		}
		out = history.AsOf(records, t)
	case all:
		out = records
	default:
		out = history.Current(records)
	}
	if key == "" {
		return out, nil
	}
	var filtered []history.Record
	for _, r := range out {
		if r.Key == key {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid instant %q (want RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}

// formatRecords writes a tabular representation of history versions to out.
func formatRecords(out io.Writer, records []history.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tVALID FROM\tVALID TO\tCURRENT\tATTRIBUTES")
	_, _ = fmt.Fprintln(w, "---\t----------\t--------\t-------\t----------")

	for _, r := range records {
		to := "-"
		if r.ValidTo != nil {
			to = r.ValidTo.UTC().Format(time.RFC3339)
		}
		attrs, _ := json.Marshal(r.Attributes)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			r.Key,
			r.ValidFrom.UTC().Format(time.RFC3339),
			to,
			r.IsCurrent,
			truncate(string(attrs), 80),
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "%d version(s)\n", len(records))
}

func printQuarantine(cmd *cobra.Command, dataset string, partition int, asJSON bool) error {
	if cfg.History.QuarantineDir == "" {
		return eris.New("history: history.quarantine_dir is not set")
	}
	q, err := history.NewQuarantineStore(cfg.History.QuarantineDir)
	if err != nil {
		return err
	}
	recs, err := q.Load(cmd.Context(), dataset, partition)
	if err != nil {
		return eris.Wrap(err, "history")
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	formatQuarantine(os.Stdout, recs)
	return nil
}

func formatQuarantine(out io.Writer, recs []history.Quarantined) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EXTRACTED AT\tINDEX\tERROR\tPAYLOAD")
	_, _ = fmt.Fprintln(w, "------------\t-----\t-----\t-------")

	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			r.ExtractedAt.UTC().Format(time.RFC3339),
			r.Index,
			truncate(r.Reason, 60),
			truncate(r.Payload, 80),
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "%d quarantined record(s)\n", len(recs))
}
