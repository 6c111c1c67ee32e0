package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lakehouse/extractor/internal/ingest"
	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/metrics"
	"github.com/lakehouse/extractor/internal/scheduler"
	"github.com/lakehouse/extractor/internal/watermark"
)

var (
	cfgFile    string
	cfgFileSet bool

	runTables []string
	resetTo   string
)

var rootCmd = &cobra.Command{
	Use:   "extractor",
	Short: "Extractor - incremental PostgreSQL to Parquet ingestion",
	Long:  `Copies rows changed since the last checkpoint from PostgreSQL tables into Parquet objects on S3`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfgFileSet = cmd.Flags().Changed("config")
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "extractor.yaml", "config file path")

	runCmd.Flags().StringSliceVar(&runTables, "table", nil, "run only these tables (repeatable)")
	resetCmd.Flags().StringVar(&resetTo, "to", "", "watermark to reset to (default: state.default_watermark)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(checkCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("extractor v0.1.0")
		fmt.Println("Incremental PostgreSQL to Parquet ingestion")
	},
}

const sampleConfig = `source:
  host: ${DB_HOST}
  port: 5432
  database: ${DB_NAME}
  user: ${DB_USER}
  password: ${DB_PASS}
  schema: public
  tracking_column: updated_at

destination:
  type: s3
  bucket: ${S3_RAW_BUCKET}
  prefix: bronze
  region: ${AWS_REGION}

state:
  backend: bolt
  path: state/extractor-state.db
  default_watermark: "2025-01-01 00:00:00"

tables:
  - dim_users
  - dim_products
  - fact_sales

ingest:
  concurrency: 1

schedule:
  cron: "*/15 * * * *"
  metrics_addr: ":9090"

alerts:
  enabled: false
  slack_webhook: ""

log:
  level: info
  format: text
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil {
			return fmt.Errorf("config file already exists: %s", cfgFile)
		}

		if err := os.MkdirAll(filepath.Join(filepath.Dir(cfgFile), "state"), 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		if err := os.WriteFile(cfgFile, []byte(sampleConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Wrote sample config: %s\n", cfgFile)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.openState(ctx, true); err != nil {
			return err
		}
		if err := a.requireLeader(ctx); err != nil {
			return err
		}
		if err := a.openReader(ctx); err != nil {
			return err
		}
		if err := a.openWriter(ctx); err != nil {
			return err
		}

		coordinator := a.newCoordinator()

		var report *ingest.RunReport
		if len(runTables) > 0 {
			if err := checkTables(coordinator.Tables(), runTables); err != nil {
				return err
			}
			report = coordinator.RunTables(ctx, runTables)
		} else {
			report = coordinator.RunCycle(ctx)
		}
		flushAlerts(coordinator)

		printReport(report)
		if report.HasFailures() {
			return fmt.Errorf("%d table(s) failed", len(report.Failed()))
		}
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run ingestion cycles on the configured cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.openState(ctx, true); err != nil {
			return err
		}
		if err := a.openReader(ctx); err != nil {
			return err
		}
		if err := a.openWriter(ctx); err != nil {
			return err
		}

		collector := metrics.NewMetricsCollector()
		coordinator := a.newCoordinator()
		coordinator.SetObserver(collector)

		sched, err := scheduler.New(scheduler.Config{
			Cron:       a.cfg.Schedule.Cron,
			RunOnStart: a.cfg.Schedule.RunOnStart,
		}, coordinator)
		if err != nil {
			return err
		}

		if a.node != nil {
			alerts := a.newAlerts()
			sched.SetLeaderGate(a.node)
			sched.OnLeadershipChange(func(leader bool) {
				collector.SetLeader(leader)
				if !leader {
					return
				}
				stats := a.node.Stats()
				logger.Info("Acquired leadership, ingesting",
					"node", a.cfg.Cluster.NodeID,
					"term", stats["term"],
					"applied_index", stats["applied_index"],
				)
				if err := alerts.SendSystemAlert("Ingestion leader changed",
					fmt.Sprintf("Node %s is now running ingestion", a.cfg.Cluster.NodeID), "info"); err != nil {
					logger.Warn("Failed to send leadership alert", "error", err)
				}
			})
		} else {
			collector.SetLeader(true)
		}

		var server *http.Server
		if addr := a.cfg.Schedule.MetricsAddr; addr != "" {
			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collector,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				logger.Info("Serving metrics", "addr", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server failed", "error", err)
				}
			}()
		}

		fmt.Println("Extractor is running. Press Ctrl+C to stop.")
		runErr := sched.Run(ctx)

		fmt.Println("\nShutting down...")
		flushAlerts(coordinator)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if a.node != nil {
			if err := a.node.StepDown(shutdownCtx); err != nil {
				logger.Warn("Failed to transfer leadership", "error", err)
			}
		}
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop metrics server", "error", err)
			}
		}

		fmt.Println("Extractor stopped")
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the watermark of each table",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if err := a.openState(ctx, false); err != nil {
			return err
		}

		entries, err := a.state.Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to read watermarks: %w", err)
		}

		fmt.Printf("State backend: %s (%s)\n", a.cfg.State.Backend, a.cfg.State.Path)
		fmt.Printf("\nTables:\n")
		for _, table := range a.cfg.TableNames() {
			if value, ok := entries[table]; ok {
				fmt.Printf("  - %s: %s\n", table, value)
			} else {
				fmt.Printf("  - %s: %s (default)\n", table, a.cfg.State.DefaultWatermark)
			}
		}

		var orphaned []string
		configured := make(map[string]bool)
		for _, table := range a.cfg.TableNames() {
			configured[table] = true
		}
		for table := range entries {
			if !configured[table] {
				orphaned = append(orphaned, table)
			}
		}
		if len(orphaned) > 0 {
			sort.Strings(orphaned)
			fmt.Printf("\nUnconfigured tables with state:\n")
			for _, table := range orphaned {
				fmt.Printf("  - %s: %s\n", table, entries[table])
			}
		}

		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <table>",
	Short: "Reset a table's watermark so the next cycle re-extracts from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var to time.Time
		if resetTo != "" {
			to, err = watermark.Parse(resetTo)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
		}

		ctx := context.Background()
		if err := a.openState(ctx, true); err != nil {
			return err
		}
		if err := a.requireLeader(ctx); err != nil {
			return err
		}

		table := args[0]
		if err := a.state.Reset(ctx, table, to); err != nil {
			return fmt.Errorf("failed to reset watermark: %w", err)
		}

		if to.IsZero() {
			fmt.Printf("Reset %s to default watermark %s\n", table, a.cfg.State.DefaultWatermark)
		} else {
			fmt.Printf("Reset %s to %s\n", table, watermark.Format(to))
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check source connectivity and count pending rows per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if err := a.openState(ctx, false); err != nil {
			return err
		}
		if err := a.openReader(ctx); err != nil {
			return err
		}
		if err := a.reader.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("Source reachable: %s\n", a.cfg.Source.Redacted())

		fmt.Printf("\nPending rows:\n")
		var failed int
		for _, table := range a.cfg.TableNames() {
			checkpoint, err := a.state.Get(ctx, table)
			if err != nil {
				fmt.Printf("  - %s: FAILED: %v\n", table, err)
				failed++
				continue
			}
			pending, err := a.reader.Pending(ctx, table, checkpoint)
			if err != nil {
				fmt.Printf("  - %s: FAILED: %v\n", table, err)
				failed++
				continue
			}
			fmt.Printf("  - %s: %s rows since %s\n", table, humanize.Comma(pending), watermark.Format(checkpoint))
		}

		if failed > 0 {
			return fmt.Errorf("%d table(s) failed", failed)
		}
		return nil
	},
}

// checkTables rejects requested tables that are not configured.
func checkTables(configured, requested []string) error {
	known := make(map[string]bool, len(configured))
	for _, table := range configured {
		known[table] = true
	}
	for _, table := range requested {
		if !known[table] {
			return fmt.Errorf("table %s is not configured", table)
		}
	}
	return nil
}

func printReport(report *ingest.RunReport) {
	success, noop, failed := report.Counts()
	fmt.Printf("Run %s finished in %s: %d ingested, %d unchanged, %d failed, %s rows\n",
		report.RunID, report.Duration.Round(time.Millisecond), success, noop, failed, humanize.Comma(int64(report.Rows())))

	for _, result := range report.Results {
		switch result.Outcome {
		case ingest.OutcomeSuccess:
			fmt.Printf("  - %s: %d rows -> %s\n", result.Table, result.Rows, result.Location.URI)
		case ingest.OutcomeNoop:
			fmt.Printf("  - %s: no changes since %s\n", result.Table, watermark.Format(result.Since))
		default:
			fmt.Printf("  - %s: FAILED at %s (%s): %v\n", result.Table, result.FailedAt, result.Kind, result.Err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
