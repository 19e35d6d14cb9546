// Command tpg-analyzer processes HGCal trigger-primitive ntuples into
// histogram files, either interactively or as one window of a batch
// partition, and generates the HTCondor DAGMan artifacts for batch runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hgcal-tpg/tpg-analyzer/internal/calib"
	"github.com/hgcal-tpg/tpg-analyzer/internal/catalog"
	"github.com/hgcal-tpg/tpg-analyzer/internal/config"
	"github.com/hgcal-tpg/tpg-analyzer/internal/driver"
	"github.com/hgcal-tpg/tpg-analyzer/internal/histo"
	"github.com/hgcal-tpg/tpg-analyzer/internal/logging"
	"github.com/hgcal-tpg/tpg-analyzer/internal/metrics"
	"github.com/hgcal-tpg/tpg-analyzer/internal/ntuple"
	"github.com/hgcal-tpg/tpg-analyzer/internal/partition"
	"github.com/hgcal-tpg/tpg-analyzer/internal/plotter"
	"github.com/hgcal-tpg/tpg-analyzer/internal/submit"
	"github.com/hgcal-tpg/tpg-analyzer/internal/timebudget"
)

// Exit codes. Batch tooling keys retry behavior on these, so they are part
// of the external contract.
const (
	exitOK         = 0   // success, including a graceful time-budget stop
	exitConfig     = 10  // configuration or selection errors
	exitCatalog    = 20  // input discovery errors
	exitProcessing = 200 // runtime processing errors
)

// exitError carries the exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &exitError{code: code, err: err}
}

type runOptions struct {
	configPath string
	collection string
	sample     string
	maxEvents  int64
	batch      bool
	jobIndex   int
	outDir     string
	debug      int

	workDir    string
	binaryPath string

	logFormat   string
	metricsAddr string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts runOptions

	root := &cobra.Command{
		Use:           "tpg-analyzer",
		Short:         "HGCal trigger-primitive ntuple analyzer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "f", "", "analysis configuration file (required)")
	root.PersistentFlags().IntVarP(&opts.debug, "debug", "d", 0, "debug verbosity")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (optional)")
	root.MarkPersistentFlagRequired("config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "process events for one collection/sample",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAnalysis(cmd.Context(), opts)
		},
	}
	runCmd.Flags().StringVarP(&opts.collection, "collection", "c", "", "collection name (required)")
	runCmd.Flags().StringVarP(&opts.sample, "sample", "s", "", `sample name, or "all"; empty lists the collection's samples`)
	runCmd.Flags().Int64VarP(&opts.maxEvents, "nevents", "n", -1, "max events to process, -1 = all")
	runCmd.Flags().BoolVarP(&opts.batch, "batch", "b", false, "batch mode: process one partition window")
	runCmd.Flags().IntVarP(&opts.jobIndex, "run", "r", -1, "batch job index")
	runCmd.Flags().StringVarP(&opts.outDir, "outdir", "o", "", "output directory override")
	runCmd.MarkFlagRequired("collection")

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "generate HTCondor DAGMan submission artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd.Context(), opts)
		},
	}
	submitCmd.Flags().StringVarP(&opts.collection, "collection", "c", "", "collection name (required)")
	submitCmd.Flags().StringVarP(&opts.sample, "sample", "s", "all", `sample name, or "all"`)
	submitCmd.Flags().Int64VarP(&opts.maxEvents, "nevents", "n", -1, "max events to process, -1 = all")
	submitCmd.Flags().StringVarP(&opts.outDir, "outdir", "o", "", "output directory override")
	submitCmd.Flags().StringVarP(&opts.workDir, "workdir", "w", ".", "directory for the submission artifacts")
	submitCmd.Flags().StringVar(&opts.binaryPath, "binary", os.Args[0], "analyzer binary to ship to the workers")
	submitCmd.MarkFlagRequired("collection")

	root.AddCommand(runCmd, submitCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitConfig
	}
	return exitOK
}

func runAnalysis(ctx context.Context, opts runOptions) error {
	logging.Setup(logging.Config{Format: opts.logFormat, Level: logging.DebugLevel(opts.debug)})

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(exitConfig, err)
	}

	// Collection alone lists the available samples.
	if opts.sample == "" {
		samples, err := cfg.SampleNames(opts.collection)
		if err != nil {
			return fail(exitConfig, err)
		}
		for _, s := range samples {
			fmt.Println(s)
		}
		return nil
	}

	if opts.batch && opts.jobIndex < 0 {
		return fail(exitConfig, errors.New("batch mode requires --run (the job index)"))
	}

	hostname, _ := os.Hostname()
	params, err := cfg.ResolveParams(config.Options{
		Collection: opts.collection,
		Sample:     opts.sample,
		MaxEvents:  opts.maxEvents,
		Batch:      opts.batch,
		JobIndex:   opts.jobIndex,
		OutDir:     opts.outDir,
		Debug:      opts.debug,
		Hostname:   hostname,
	})
	if err != nil {
		return fail(exitConfig, err)
	}

	metrics.Init("")
	if opts.metricsAddr != "" {
		go func() {
			if err := metrics.StartServer(opts.metricsAddr); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	runID := uuid.NewString()
	for _, p := range params {
		if err := runSample(ctx, runID, opts, p); err != nil {
			return err
		}
	}
	return nil
}

func runSample(ctx context.Context, runID string, opts runOptions, p config.JobParams) error {
	log := logging.SampleLogger(runID, p.Collection, p.Name, opts.jobIndex)
	labels := metrics.Labels{Collection: p.Collection, Sample: p.Name}
	start := time.Now()

	cal, err := calib.Load(p.CalibFile, p.CalibVersion)
	if err != nil {
		return fail(exitConfig, err)
	}
	weights, err := plotter.LoadWeights(p.WeightFile)
	if err != nil {
		return fail(exitConfig, err)
	}
	plotters, err := plotter.FromSpecs(p.Plotters, cal, weights)
	if err != nil {
		return fail(exitConfig, err)
	}

	cat, err := catalog.Discover(ctx, p.InputDir, p.TreeName)
	if err != nil {
		metrics.Get().IncCatalogErrors(labels)
		return fail(exitCatalog, err)
	}
	metrics.Get().SetCatalogFiles(labels, float64(len(cat)))
	metrics.Get().SetCatalogRows(labels, float64(cat.TotalRows()))

	if short := partition.Shortfall(cat, p.MaxEvents); short > 0 {
		log.Warn("catalog has fewer rows than requested",
			"requested", p.MaxEvents,
			"available", cat.TotalRows(),
		)
	}

	jobIndex := 0
	if opts.jobIndex >= 0 {
		jobIndex = opts.jobIndex
	}
	assignment, err := partition.Assign(cat, p.MaxEvents, p.EventsPerJob, jobIndex)
	if err != nil {
		return fail(exitConfig, err)
	}
	if assignment.Empty() {
		log.Warn("assigned window is past the catalog end, nothing to do",
			"job_index", jobIndex,
			"window_start", assignment.Range.Start,
		)
		return nil
	}

	log.Info("assignment resolved",
		"files", len(assignment.Files),
		"events", assignment.Range.Len(),
		"window_start", assignment.Range.Start,
		"window_end", assignment.Range.End,
		"output", p.OutputFile,
	)

	reader := ntuple.NewReader(ctx, labels)
	reader.SetSource(assignment)
	defer reader.Close()

	store := histo.NewStore(p.OutputFile)
	budget := timebudget.New(nil)
	budget.Start()

	d := driver.New(driver.Config{
		JobIndex:  opts.jobIndex,
		JobFlavor: p.JobFlavor,
		Labels:    labels,
	}, reader, store, plotters, budget, log)

	result, err := d.Run(ctx)
	if err != nil {
		var pe *driver.ProcessingError
		if errors.As(err, &pe) {
			log.Error("processing aborted",
				"position", pe.Position,
				"global_entry", pe.GlobalEntry,
				"error", pe.Err,
			)
			return fail(exitProcessing, err)
		}
		return fail(exitProcessing, err)
	}

	logSummary(log, budget, result, time.Since(start))
	return nil
}

// logSummary reports the end-of-run accounting: throughput and how many
// events each job flavor could hold at the observed per-event cost.
func logSummary(log *slog.Logger, budget *timebudget.Budget, result driver.Result, wall time.Duration) {
	secPerEvent := 0.0
	if result.Events > 0 {
		secPerEvent = wall.Seconds() / float64(result.Events)
	}

	log.Info("run summary",
		"outcome", result.Outcome.String(),
		"events", result.Events,
		"wall_time", wall.String(),
		"sec_per_event", fmt.Sprintf("%.4f", secPerEvent),
	)

	for flavor, n := range budget.EventCapacity(secPerEvent) {
		log.Info("flavor capacity", "flavor", flavor, "events", n)
	}
}

func runSubmit(ctx context.Context, opts runOptions) error {
	logging.Setup(logging.Config{Format: opts.logFormat, Level: logging.DebugLevel(opts.debug)})

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(exitConfig, err)
	}

	hostname, _ := os.Hostname()
	params, err := cfg.ResolveParams(config.Options{
		Collection: opts.collection,
		Sample:     opts.sample,
		MaxEvents:  opts.maxEvents,
		Batch:      true,
		JobIndex:   -1,
		OutDir:     opts.outDir,
		Debug:      opts.debug,
		Hostname:   hostname,
	})
	if err != nil {
		return fail(exitConfig, err)
	}

	var specs []submit.JobSpec
	for _, p := range params {
		cat, err := catalog.Discover(ctx, p.InputDir, p.TreeName)
		if err != nil {
			return fail(exitCatalog, err)
		}
		specs = append(specs, submit.JobSpec{
			Params:   p,
			JobCount: partition.Plan(cat, p.MaxEvents, p.EventsPerJob),
		})
	}

	gen := submit.NewGenerator(opts.workDir, opts.configPath, opts.binaryPath, logging.Component("submit"))
	dagPath, err := gen.Generate(specs)
	if err != nil {
		return fail(exitConfig, err)
	}

	fmt.Printf("condor_submit_dag %s\n", dagPath)
	return nil
}
