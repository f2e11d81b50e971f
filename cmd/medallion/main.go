// Command medallion runs the DVF/DPE medallion pipeline: bronze ingestion,
// silver transform, and gold aggregation over the configured partitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foncierlab/medallion/internal/catalog"
	"github.com/foncierlab/medallion/internal/config"
	"github.com/foncierlab/medallion/internal/lake"
	"github.com/foncierlab/medallion/internal/logging"
	"github.com/foncierlab/medallion/internal/metrics"
	"github.com/foncierlab/medallion/internal/pipeline"
	"github.com/foncierlab/medallion/internal/source"
	"github.com/foncierlab/medallion/internal/storage"
)

var (
	cfgPath      string
	partitionArg string
	forceIngest  bool
)

func main() {
	root := &cobra.Command{
		Use:           "medallion",
		Short:         "Bronze/silver/gold pipeline for the DVF and DPE datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending partitions through bronze, silver, and gold",
		RunE:  runPipeline,
	}
	runCmd.Flags().StringVar(&partitionArg, "partition", "", "run a single partition, e.g. dvf/92/2020Q1")
	runCmd.Flags().BoolVar(&forceIngest, "force", false, "re-ingest completed partitions from scratch")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report the run state of every known partition",
		RunE:  showStatus,
	}

	root.AddCommand(runCmd, statusCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup opens the shared dependencies and assembles the pipeline. The
// returned closer releases them in reverse order.
func setup() (*pipeline.Pipeline, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	if cfg.Metrics.Enabled {
		metrics.Init("medallion")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				logging.Component("metrics").Error("metrics server stopped", "error", err)
			}
		}()
	}

	store, err := storage.NewLakeStore(storage.StorageConfig{
		Backend:  cfg.Storage.Backend,
		LocalDir: cfg.Storage.LocalDir,
		Bucket:   cfg.Storage.Bucket,
		Endpoint: cfg.Storage.Endpoint,
		Region:   cfg.Storage.Region,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open lake store: %w", err)
	}

	src, err := source.NewRecordSource(source.Config{
		DPEBaseURL:     cfg.Source.DPEBaseURL,
		DPEPageSize:    cfg.Source.DPEPageSize,
		DVFDir:         cfg.Source.DVFDir,
		DVFChunkSize:   cfg.Source.DVFChunkSize,
		RetryAttempts:  cfg.Source.RetryAttempts,
		RetryBackoffMs: cfg.Source.RetryBackoffMs,
		TimeoutSeconds: cfg.Source.TimeoutSeconds,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open record source: %w", err)
	}

	cat, err := catalog.NewWriter(catalog.Config{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		src.Close()
		store.Close()
		return nil, nil, fmt.Errorf("open lineage catalog: %w", err)
	}

	p := pipeline.New(cfg, store, src, cat)
	closer := func() {
		cat.Close()
		src.Close()
		store.Close()
	}
	return p, closer, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	p, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer()
	p.Force = forceIngest

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var summary *pipeline.Summary
	if partitionArg != "" {
		part, err := lake.ParsePartitionKey(partitionArg)
		if err != nil {
			return err
		}
		summary, err = p.RunOne(ctx, part)
		if err != nil {
			return err
		}
	} else {
		summary, err = p.RunAll(ctx)
		if err != nil {
			return err
		}
	}

	fmt.Printf("done: %d  skipped: %d  failed: %d\n",
		summary.Done, summary.Skipped, len(summary.Failures))
	if summary.HasFailures() {
		for _, f := range summary.Failures {
			fmt.Fprintf(os.Stderr, "FAILED %s: %s\n", f.Partition, f.Failure)
		}
		return fmt.Errorf("%d partition(s) failed", len(summary.Failures))
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	p, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manifests, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no partitions have been run")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSTAGE\tROWS\tQUARANTINED\tUPDATED\tFAILURE")
	for _, m := range manifests {
		var rows, quarantined int64
		if m.Silver != nil {
			rows = m.Silver.Rows
			quarantined = m.Silver.Quarantined
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			m.Partition, m.Stage, rows, quarantined,
			m.UpdatedAt.Format("2006-01-02 15:04:05"), m.Failure)
	}
	return w.Flush()
}
