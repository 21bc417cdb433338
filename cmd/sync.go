package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/archive"
	"github.com/kinhotel/pms-sync/internal/catalog"
	"github.com/kinhotel/pms-sync/internal/erp"
	"github.com/kinhotel/pms-sync/internal/extract"
	"github.com/kinhotel/pms-sync/internal/fetcher"
	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/monitoring"
	"github.com/kinhotel/pms-sync/internal/pipeline"
	"github.com/kinhotel/pms-sync/internal/report"
	"github.com/kinhotel/pms-sync/internal/resilience"
	"github.com/kinhotel/pms-sync/internal/window"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Extract and historize datasets",
	Long: `Extract PMS and ERP datasets and merge them into their type-2 histories.

By default every catalog dataset that is due by its cadence is synced for
every branch. Use --datasets and --branches to narrow the run, --force to
ignore cadence, and --full to re-read windows from the configured epoch.
--dry-run extracts and historizes without writing histories, watermarks,
archives or the run log.

The command exits non-zero when any partition failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		opts, err := parseSyncOpts(cmd)
		if err != nil {
			return err
		}
		catalogPath, _ := cmd.Flags().GetString("catalog")
		cat, err := loadCatalog(catalogPath)
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "sync")
		}
		defer b.Close()

		runner, err := buildRunner(ctx, cat, b, opts.DryRun)
		if err != nil {
			return eris.Wrap(err, "sync")
		}

		rep, runErr := runner.Run(ctx, opts)
		if rep == nil {
			return eris.Wrap(runErr, "sync")
		}

		publishReport(ctx, rep, opts.DryRun)
		if runErr != nil {
			return eris.Wrap(runErr, "sync")
		}

		switch rep.Status() {
		case report.StatusFailed, report.StatusPartial:
			log.Warn("run finished with failures", zap.Strings("failed", rep.Failures()))
			return eris.Errorf("sync %s: %d partition(s) failed", rep.Status(), rep.Counts()[report.StatusFailed])
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("datasets", "", "comma-separated dataset names (default: all)")
	syncCmd.Flags().String("branches", "", "comma-separated branch ids (default: all)")
	syncCmd.Flags().Bool("force", false, "ignore dataset cadence")
	syncCmd.Flags().Bool("full", false, "re-read windows from the epoch instead of the watermark")
	syncCmd.Flags().Bool("dry-run", false, "extract and historize without writing anything")
	syncCmd.Flags().String("catalog", "", "dataset catalog file (default: catalog_file or embedded)")
	rootCmd.AddCommand(syncCmd)
}

// parseSyncOpts extracts pipeline.Options from the cobra command flags.
func parseSyncOpts(cmd *cobra.Command) (pipeline.Options, error) {
	datasetsStr, _ := cmd.Flags().GetString("datasets")
	branchesStr, _ := cmd.Flags().GetString("branches")
	force, _ := cmd.Flags().GetBool("force")
	full, _ := cmd.Flags().GetBool("full")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	branches, err := parseBranches(branchesStr)
	if err != nil {
		return pipeline.Options{}, err
	}

	return pipeline.Options{
		Datasets: splitList(datasetsStr),
		Branches: branches,
		Force:    force,
		Full:     full,
		DryRun:   dryRun,
	}, nil
}

// buildRunner wires the fetcher, coordinator, ERP client and archive
// around the opened stores.
func buildRunner(ctx context.Context, cat *catalog.Catalog, b *backends, dryRun bool) (*pipeline.Runner, error) {
	loc := window.LoadLocation(cfg.PMS.Timezone)
	epoch, err := cfg.Extract.EpochTime()
	if err != nil {
		return nil, err
	}
	retry := resilience.FromSettings(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, cfg.Retry.Multiplier)
	if cfg.Retry.MaxRetryAfter > 0 {
		retry.MaxRetryAfter = cfg.Retry.MaxRetryAfter
	}

	f, err := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		BaseURL:      cfg.PMS.BaseURL,
		Token:        cfg.PMS.Token,
		UserAgent:    cfg.PMS.UserAgent,
		Timeout:      cfg.PMS.Timeout,
		PageSize:     cfg.PMS.PageSize,
		PageDelayMin: cfg.PMS.PageDelayMin,
		PageDelayMax: cfg.PMS.PageDelayMax,
		RateLimit:    cfg.PMS.RateLimit,
		Retry:        retry,
		WAFStep:      cfg.Retry.WAFStep,
		Breakers:     resilience.NewHostBreakers(resilience.FromCircuitSettings(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeout)),
	})
	if err != nil {
		return nil, err
	}

	resolver := window.NewResolver(b.watermarks, epoch, cfg.Extract.SafetyMargin, window.WithLocation(loc))
	coord := extract.New(f, resolver, b.watermarks, extract.Options{
		MaxConcurrent:  cfg.Extract.MaxConcurrent,
		JitterMax:      cfg.Extract.JitterMax,
		DeferWatermark: true,
	})

	deps := pipeline.Deps{
		Catalog:         cat,
		Extractor:       coord,
		History:         b.history,
		Watermarks:      b.watermarks,
		DefaultLookback: cfg.Extract.Lookback(),
		Location:        loc,
	}

	if cfg.ERP.BaseURL != "" {
		client, err := erp.New(erp.Options{
			BaseURL:    cfg.ERP.BaseURL,
			Username:   cfg.ERP.Username,
			Password:   cfg.ERP.Password,
			Timeout:    cfg.ERP.Timeout,
			Lang:       cfg.ERP.Lang,
			TZ:         cfg.ERP.TZ,
			UserID:     cfg.ERP.UserID,
			CompanyIDs: cfg.ERP.CompanyIDs,
			Retry:      retry,
		})
		if err != nil {
			return nil, err
		}
		deps.ERP = client
	}

	if cfg.Archive.Bucket != "" && !dryRun {
		up, err := archive.NewS3Uploader(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		deps.Archive = up
	}

	if cfg.History.QuarantineDir != "" && !dryRun {
		q, err := history.NewQuarantineStore(cfg.History.QuarantineDir)
		if err != nil {
			return nil, err
		}
		deps.Quarantine = q
	}

	if rl := b.runLog(); rl != nil {
		deps.RunLog = rl
	}

	return pipeline.New(deps)
}

// publishReport prints the run summary, writes the JSON report, and unless
// dryRun sends alerts and pushes metrics. Failures here are logged only.
func publishReport(ctx context.Context, rep *report.Report, dryRun bool) {
	log := zap.L().With(zap.String("run_id", rep.RunID))

	rep.WriteTable(os.Stdout)

	if cfg.Report.Dir != "" {
		path, err := rep.WriteJSON(cfg.Report.Dir)
		if err != nil {
			log.Error("write run report", zap.Error(err))
		} else {
			fmt.Printf("Report written to %s\n", path)
		}
	}

	if dryRun {
		return
	}

	alerter := monitoring.NewAlerter(cfg.Notify)
	if alerts := alerter.Evaluate(rep); len(alerts) > 0 {
		sent := alerter.SendAlerts(ctx, alerts)
		log.Info("alerts evaluated", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
	}

	monitoring.RecordRun(rep)
	if err := monitoring.PushMetrics(ctx, cfg.Metrics, prometheus.DefaultGatherer); err != nil {
		log.Warn("push metrics", zap.Error(err))
	}
}
