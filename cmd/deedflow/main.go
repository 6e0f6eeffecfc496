package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/auth"
	"github.com/mohammad-safakhou/deedflow/internal/batch"
	"github.com/mohammad-safakhou/deedflow/internal/browser"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
	"github.com/mohammad-safakhou/deedflow/internal/intel/openai"
	"github.com/mohammad-safakhou/deedflow/internal/ledger"
	"github.com/mohammad-safakhou/deedflow/internal/manifest"
	"github.com/mohammad-safakhou/deedflow/internal/pipeline"
	"github.com/mohammad-safakhou/deedflow/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "deedflow"}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: search ./config)")

	var manifestPath string
	var headless bool
	var run = &cobra.Command{
		Use:   "run",
		Short: "Process every plot in the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]interface{}{}
			if manifestPath != "" {
				overrides["manifest"] = map[string]interface{}{"path": manifestPath}
			}
			if cmd.Flags().Changed("headless") {
				overrides["browser"] = map[string]interface{}{"headless": headless}
			}
			cfg := config.LoadConfig(configPath, overrides)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			plots, err := manifest.Load(cfg.Manifest)
			if err != nil {
				return err
			}

			metrics := telemetry.New(cfg.Telemetry)
			metrics.Start()
			defer metrics.Shutdown(context.Background())

			session, err := browser.NewSession(ctx, cfg.Browser)
			if err != nil {
				return fmt.Errorf("start browser: %w", err)
			}
			defer session.Close()

			mind := buildIntelligence(cfg, session)
			book := ledger.New(cfg.Storage.LedgerPath, nil)
			if err := book.Load(); err != nil {
				return err
			}

			proc := pipeline.New(cfg, session, mind, book, metrics, len(plots))
			gate := auth.New(cfg, session, mind)
			runner := batch.NewRunner(proc, metrics, batch.WithGatekeeper(gate))

			report, runErr := runner.Run(ctx, plots)
			if report != nil {
				if err := writeReport(cfg, report); err != nil {
					fmt.Fprintf(os.Stderr, "write report: %v\n", err)
				}
				fmt.Println(report.Summary())
			}
			return runErr
		},
	}
	run.Flags().StringVar(&manifestPath, "manifest", "", "override manifest path from config")
	run.Flags().BoolVar(&headless, "headless", true, "run the browser headless")

	var retry = &cobra.Command{
		Use:   "retry-downloads",
		Short: "Retry the download for every paid but undownloaded application",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath, nil)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			book := ledger.New(cfg.Storage.LedgerPath, nil)
			if err := book.Load(); err != nil {
				return err
			}
			pending := book.Pending()
			if len(pending) == 0 {
				fmt.Println("nothing pending")
				return nil
			}

			metrics := telemetry.New(cfg.Telemetry)
			metrics.Start()
			defer metrics.Shutdown(context.Background())

			session, err := browser.NewSession(ctx, cfg.Browser)
			if err != nil {
				return fmt.Errorf("start browser: %w", err)
			}
			defer session.Close()

			mind := buildIntelligence(cfg, session)
			if err := auth.New(cfg, session, mind).Ensure(ctx); err != nil {
				return err
			}

			proc := pipeline.New(cfg, session, mind, book, metrics, len(pending))
			for _, entry := range pending {
				rec := &pipeline.Record{
					PlotID:    entry.PlotID,
					RequestID: entry.RequestID,
					Paid:      entry.Paid(),
					Outcome:   pipeline.OutcomePendingDownload,
				}
				proc.DownloadFromApplications(ctx, rec)
				fmt.Printf("%s\t%s\t%s\n", rec.PlotID, rec.RequestID, rec.Outcome)
			}
			return nil
		},
	}

	var pendingOnly bool
	var ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Print the application ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath, nil)
			book := ledger.New(cfg.Storage.LedgerPath, nil)
			if err := book.Load(); err != nil {
				return err
			}
			entries := book.Entries()
			if pendingOnly {
				entries = book.Pending()
			}
			raw, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	ledgerCmd.Flags().BoolVar(&pendingOnly, "pending", false, "only entries without a downloaded document")

	root.AddCommand(run, retry, ledgerCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildIntelligence(cfg *config.Config, session *browser.Session) intel.Intelligence {
	if cfg.Intelligence.Provider == "stub" {
		return &intel.Script{}
	}
	return openai.NewClient(cfg.Intelligence, session)
}

func writeReport(cfg *config.Config, report *batch.Report) error {
	dir := filepath.Join(cfg.Storage.DataDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run-"+report.RunID+".json"), raw, 0o644)
}
