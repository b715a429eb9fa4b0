package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/helmcloud/k8s-posture/internal/config"
	"github.com/helmcloud/k8s-posture/internal/history"
	"github.com/helmcloud/k8s-posture/internal/metrics"
	"github.com/helmcloud/k8s-posture/internal/report"
	"github.com/helmcloud/k8s-posture/internal/scheduler"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled jobs and the metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Println("Starting k8s-posture...")
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
					log.Printf("Error serving metrics: %v", err)
				}
			}()

			var uploader scheduler.Uploader
			if a.cfg.ReportUploadEnabled() {
				uploader = a.reporter
			}
			sched := scheduler.New(
				a.store,
				a.orchestrator,
				a.snapshotter,
				a.calculator,
				a.narrator,
				uploader,
				scheduler.Config{
					Enabled:            a.cfg.SchedulesEnabled,
					SyncSchedule:       a.cfg.SyncSchedule,
					HistorySchedule:    a.cfg.HistorySchedule,
					ComplianceSchedule: a.cfg.ComplianceSchedule,
					ReportSchedule:     a.cfg.ReportSchedule,
				},
			)
			if err := sched.Start(ctx); err != nil {
				return errors.Wrap(err, "failed to start scheduler")
			}

			log.Println("k8s-posture is running. Press Ctrl+C to stop.")
			<-ctx.Done()

			log.Println("Received shutdown signal")
			sched.Stop()
			log.Println("k8s-posture stopped")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <clusterId[,clusterId...]|all>",
		Short: "Synchronise the inventory of one, several or all clusters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orchestrator.Sync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)

			if code := syncExitCode(rep.Overall()); code != 0 {
				return &exitError{code: code, msg: fmt.Sprintf("sync %s failed for every cluster", rep.RunID)}
			}
			return nil
		},
	}
}

func printReport(out io.Writer, rep *clustersync.Report) {
	fmt.Fprintf(out, "run %s target=%s overall=%s duration=%s\n",
		rep.RunID, rep.Target, rep.Overall(), rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLUSTER\tOUTCOME\tNODES\tERRORS")
	for _, c := range rep.Clusters {
		nodes := "-"
		if c.NodeSummary.NumNodes != nil {
			nodes = fmt.Sprintf("%d", *c.NodeSummary.NumNodes)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", c.ClusterID, c.ClusterName, c.Outcome, nodes, len(c.Errors))
	}
	w.Flush()

	for _, c := range rep.Clusters {
		for _, err := range c.Errors {
			fmt.Fprintf(out, "  cluster %d: %v\n", c.ClusterID, err)
		}
	}
	fmt.Fprintf(out, "fleet: %d nodes, %d cores, %d bytes RAM\n", rep.Fleet.Nodes, rep.Fleet.CPUCores, rep.Fleet.RAMBytes)
	if rep.ComplianceErr != nil {
		fmt.Fprintf(out, "compliance rollup: %v\n", rep.ComplianceErr)
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [yyyy-mm-dd]",
		Short: "Populate the history tables for a day (yesterday by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			day := a.snapshotter.Yesterday()
			if len(args) == 1 {
				day = args[0]
			}
			result, err := a.snapshotter.Run(cmd.Context(), day)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, entity := range storage.HistoryEntities {
				if err, ok := result.Errors[entity]; ok {
					fmt.Fprintf(out, "%-12s error: %v\n", entity, err)
					continue
				}
				fmt.Fprintf(out, "%-12s %d rows\n", entity, result.Rows[entity])
			}
			fmt.Fprintf(out, "rescans queued: %d, events pruned: %d\n", result.RescansQueued, result.EventsPruned)
			if result.Failed() {
				return errors.Errorf("history for %s finished with errors", day)
			}
			return nil
		},
	}
}

func newComplianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compliance",
		Short: "Recompute live pod and namespace compliance for every cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.calculator.RollupAll(cmd.Context())
		},
	}
}

func newClustersCmd() *cobra.Command {
	clusters := &cobra.Command{
		Use:   "clusters",
		Short: "Manage the cluster registry",
	}

	clusters.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Register or update clusters from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := config.LoadClusterFile(args[0])
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			for i := range entries {
				id, err := a.store.SaveCluster(cmd.Context(), &entries[i])
				if err != nil {
					return errors.Wrapf(err, "failed to save cluster %s", entries[i].Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, entries[i].Name)
			}
			return nil
		},
	})

	clusters.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.store.ListClusters(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONTEXT\tGRACE DAYS\tLAST SCANNED")
			for _, c := range list {
				scanned := "never"
				if c.LastScanned != nil {
					scanned = c.LastScanned.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.ID, c.Name, c.Context, c.GracePeriodDays, scanned)
			}
			return w.Flush()
		},
	})

	return clusters
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Generate the posture report now and upload it to Slack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			pdfPath, err := report.Generate(ctx, a.store, a.narrator, nil, time.Now())
			if err != nil {
				return err
			}

			if !a.cfg.ReportUploadEnabled() {
				fmt.Fprintf(cmd.OutOrStdout(), "report written to %s (set SLACK_BOT_TOKEN and SLACK_CHANNEL to upload)\n", pdfPath)
				return nil
			}
			defer os.Remove(pdfPath)

			comment := fmt.Sprintf("Kubernetes posture report (%s)", time.Now().Format(history.DayLayout))
			if err := a.reporter.SendReportWithPDF(ctx, "Kubernetes Posture Report", comment, pdfPath); err != nil {
				return err
			}
			log.Println("Posture report sent successfully")
			return nil
		},
	}
}
