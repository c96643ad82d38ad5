package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/config"
	"github.com/copyleftdev/ballistic/internal/logging"
	"github.com/copyleftdev/ballistic/internal/observation"
	"github.com/copyleftdev/ballistic/internal/report"
	"github.com/copyleftdev/ballistic/internal/store"
)

var version = "dev"

var (
	batchFile   string
	csvPath     string
	jsonPath    string
	dbPath      string
	plot        bool
	parallelism int

	modelA    float64
	modelP    float64
	modelVBL  float64
	modelFrom float64
	modelTo   float64
	rows      int

	jobID        string
	statusFilter string
	limit        int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "v50",
		Short:         "ballistic limit (V50) estimation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	solveCmd := &cobra.Command{
		Use:   "solve",
		Short: "estimate V50 for every configuration of a batch file",
		Args:  cobra.NoArgs,
		RunE:  runSolve,
	}
	solveCmd.Flags().StringVar(&batchFile, "batch", "", "batch file (yaml)")
	solveCmd.Flags().StringVar(&csvPath, "csv", "", "results CSV, rewritten after every configuration (default <work_dir>/v50_results.csv)")
	solveCmd.Flags().StringVar(&jsonPath, "json", "", "write full result records as JSON")
	solveCmd.Flags().StringVar(&dbPath, "db", "", "also store results in this sqlite database")
	solveCmd.Flags().BoolVar(&plot, "plot", false, "plot trials and fitted curves")
	solveCmd.Flags().IntVar(&parallelism, "parallel", 0, "configurations solved concurrently (overrides the batch file)")
	_ = solveCmd.MarkFlagRequired("batch")

	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "print the Lambert-Jonas curve for given parameters",
		Args:  cobra.NoArgs,
		RunE:  runModel,
	}
	modelCmd.Flags().Float64Var(&modelA, "a", 0.75, "velocity retention coefficient")
	modelCmd.Flags().Float64Var(&modelP, "p", 2.2, "shape exponent")
	modelCmd.Flags().Float64Var(&modelVBL, "vbl", 820, "ballistic limit (m/s)")
	modelCmd.Flags().Float64Var(&modelFrom, "from", 0, "lowest impact velocity (default 0.8*vbl)")
	modelCmd.Flags().Float64Var(&modelTo, "to", 0, "highest impact velocity (default 1.5*vbl)")
	modelCmd.Flags().IntVar(&rows, "rows", 11, "table rows")

	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "list results stored in a database",
		Args:  cobra.NoArgs,
		RunE:  runResults,
	}
	resultsCmd.Flags().StringVar(&dbPath, "db", "", "sqlite database (default DB_DSN)")
	resultsCmd.Flags().StringVar(&jobID, "job", "", "only this job")
	resultsCmd.Flags().StringVar(&statusFilter, "status", "", "only success or failed")
	resultsCmd.Flags().IntVar(&limit, "limit", 50, "maximum records")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "v50 %s\n", version)
		},
	}

	rootCmd.AddCommand(solveCmd, modelCmd, resultsCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, err
	}
	return logger.WithField("service", "v50"), nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	batch, err := config.LoadBatch(batchFile, cfg)
	if err != nil {
		return err
	}
	if parallelism > 0 {
		batch.Parallelism = parallelism
	}
	if csvPath == "" {
		csvPath = batch.ResultsCSV
	}
	if csvPath == "" {
		csvPath = filepath.Join(batch.WorkDir, "v50_results.csv")
	}

	source, err := observation.New(batch.Observer, batch.Synthetic, batch.WorkDir, logger)
	if err != nil {
		return err
	}
	solver, err := ballistics.NewSolver(batch.Search, source,
		ballistics.WithLogger(logger),
		ballistics.WithWorkDir(batch.WorkDir),
		ballistics.WithParallelism(batch.Parallelism),
	)
	if err != nil {
		return err
	}

	var st *store.Store
	job := store.Job{
		ID:             uuid.NewString(),
		Status:         "running",
		Configurations: len(batch.Configurations),
		CreatedAt:      time.Now(),
	}
	if dbPath != "" {
		if st, err = store.Open(dbPath); err != nil {
			return err
		}
		defer st.Close()
		if err := st.SaveJob(context.Background(), job); err != nil {
			return err
		}
	}

	// The first signal stops new configurations from starting; the one in
	// progress still finishes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	csvFile := report.NewCSVFile(csvPath)
	records := ballistics.NewBatch(solver, func(rec ballistics.ResultRecord) {
		if err := csvFile.Append(rec); err != nil {
			logger.WithError(err).Error("failed to write results CSV")
		} else {
			logger.Info("results saved", map[string]interface{}{"path": csvFile.Path(), "config": rec.Index})
		}
		if st != nil {
			if err := st.SaveRecord(context.Background(), job.ID, rec); err != nil {
				logger.WithError(err).Error("failed to store record")
			}
		}
	}).Run(ctx, batch.Targets())

	if st != nil {
		job.Status = "completed"
		if ctx.Err() != nil {
			job.Status = "cancelled"
		}
		now := time.Now()
		job.FinishedAt = &now
		if err := st.SaveJob(context.Background(), job); err != nil {
			logger.WithError(err).Error("failed to store job")
		}
	}

	if jsonPath != "" {
		if err := report.SaveJSON(jsonPath, records); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if plot {
		for _, rec := range records {
			fmt.Fprintf(out, "\n== configuration %d: %s ==\n", rec.Index, rec.Label)
			fmt.Fprint(out, report.RecordPlot(rec))
		}
		fmt.Fprintln(out)
	}
	if err := report.Summary(out, records); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nresults: %s\n", csvPath)
	if st != nil {
		fmt.Fprintf(out, "job: %s\n", job.ID)
	}
	return nil
}

func runModel(cmd *cobra.Command, args []string) error {
	m := ballistics.ModelParams{A: modelA, P: modelP, VBL: modelVBL}
	if err := m.Validate(); err != nil {
		return err
	}
	from, to := modelFrom, modelTo
	if from == 0 {
		from = 0.8 * m.VBL
	}
	if to == 0 {
		to = 1.5 * m.VBL
	}
	if !(to > from) {
		return fmt.Errorf("--to (%v) must exceed --from (%v)", to, from)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, report.ModelPlot(m, from, to))
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VI (m/s)\tVR (m/s)")
	vi, vr := report.Curve(m, from, to, rows)
	for i := range vi {
		fmt.Fprintf(tw, "%.1f\t%.2f\n", vi[i], vr[i])
	}
	return tw.Flush()
}

func runResults(cmd *cobra.Command, args []string) error {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dbPath = cfg.Database.DSN
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.ListRecords(cmd.Context(), store.Filter{JobID: jobID, Status: statusFilter, Limit: limit})
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no results")
		return nil
	}

	records := make([]ballistics.ResultRecord, len(stored))
	for i, sr := range stored {
		records[i] = sr.Record
	}
	return report.Summary(cmd.OutOrStdout(), records)
}
