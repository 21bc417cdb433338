package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kinhotel/pms-sync/internal/catalog"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List catalog datasets",
	Long:  "Lists every dataset in the catalog with its source, window field, cadence and natural key, followed by the configured branches.",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogPath, _ := cmd.Flags().GetString("catalog")
		cat, err := loadCatalog(catalogPath)
		if err != nil {
			return err
		}
		formatCatalog(os.Stdout, cat)
		return nil
	},
}

func init() {
	datasetsCmd.Flags().String("catalog", "", "dataset catalog file (default: catalog_file or embedded)")
	rootCmd.AddCommand(datasetsCmd)
}

// formatCatalog writes the datasets and branches of cat to out.
func formatCatalog(out io.Writer, cat *catalog.Catalog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tSYSTEM\tSOURCE\tWINDOW\tCADENCE\tSCOPE\tKEY")
	_, _ = fmt.Fprintln(w, "-------\t------\t------\t------\t-------\t-----\t---")

	for _, d := range cat.All() {
		source := d.Endpoint
		if d.System == catalog.ERP {
			source = d.ERPModel
		}
		win := "-"
		if d.Windowed() {
			win = fmt.Sprintf("%s (%s)", d.Field, d.WindowStrategy())
		}
		cadence := string(d.Cadence)
		if cadence == "" {
			cadence = "every run"
		}
		scope := "per branch"
		if d.Shared || d.System == catalog.ERP {
			scope = "shared"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.System, source, win, cadence, scope, strings.Join(d.NaturalKey, ","))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	for _, id := range cat.BranchIDs() {
		_, _ = fmt.Fprintf(out, "branch %d: %s\n", id, cat.BranchName(id))
	}
}
