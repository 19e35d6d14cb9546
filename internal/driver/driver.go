// Package driver runs the event loop: it advances the reader, invokes every
// plotter once per event, flushes the histogram store on a fixed cadence and
// stops on cap reached, time budget exhausted or unrecoverable error.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hgcal-tpg/tpg-analyzer/internal/histo"
	"github.com/hgcal-tpg/tpg-analyzer/internal/metrics"
	"github.com/hgcal-tpg/tpg-analyzer/internal/ntuple"
	"github.com/hgcal-tpg/tpg-analyzer/internal/plotter"
	"github.com/hgcal-tpg/tpg-analyzer/internal/timebudget"
)

// Outcome tags how the loop terminated, so callers can tell a graceful stop
// from an error stop without unwinding exceptions.
type Outcome int

const (
	// OutcomeCompleted means the event window was fully processed.
	OutcomeCompleted Outcome = iota

	// OutcomeTimeBudget means the loop stopped early because the job
	// flavor's time allowance was nearly exhausted. Expected, not a failure.
	OutcomeTimeBudget

	// OutcomeCanceled means the surrounding context was canceled.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeBudget:
		return "time-budget"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProcessingError reports an unrecoverable error during event processing,
// with the event position for diagnosis. Jobs failing with this class are
// retried by the external scheduler; the idempotent partitioning guarantees
// the retry sees the same input window.
type ProcessingError struct {
	GlobalEntry int64
	Position    string
	Err         error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("event processing failed at %s: %v", e.Position, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// EventSource is the cursor the driver advances. ntuple.Reader is the
// production implementation.
type EventSource interface {
	Next() bool
	Event() *ntuple.Event
	Err() error
	Total() int64
	Position() string
}

// Accumulator is the histogram store surface the driver needs: booking for
// INIT, flush and close for the snapshot lifecycle. *histo.Store implements
// it.
type Accumulator interface {
	histo.Booker
	Flush() error
	Close() error
}

// Config holds the driver knobs.
type Config struct {
	JobIndex       int           // >= 0 when running as a batch job
	JobFlavor      string        // HTCondor flavor for the time budget
	FlushEvery     int64         // histogram flush cadence in events
	TimeCheckEvery int64         // time-budget check cadence in events
	StopMargin     time.Duration // stop when less than this remains
	Labels         metrics.Labels
}

// Defaults fills in the standard cadences.
func (c Config) withDefaults() Config {
	if c.FlushEvery <= 0 {
		c.FlushEvery = 1000
	}
	if c.TimeCheckEvery <= 0 {
		c.TimeCheckEvery = 100
	}
	if c.StopMargin <= 0 {
		c.StopMargin = 5 * time.Minute
	}
	return c
}

// Result is what a completed (or gracefully stopped) run reports.
type Result struct {
	Events  int64
	Outcome Outcome
}

// Driver coordinates the reader, the plotters and the histogram store.
// It is the sole mutator-coordinator: plotters are invoked strictly
// sequentially per event, so two runs over the same assignment with the
// same plotter order produce identical accumulator contents.
type Driver struct {
	cfg      Config
	src      EventSource
	store    Accumulator
	plotters []plotter.Plotter
	budget   *timebudget.Budget
	log      *slog.Logger
}

// New creates a driver. The store's lifecycle is owned by the driver from
// here on: it is flushed periodically and closed at loop end.
func New(cfg Config, src EventSource, store Accumulator, plotters []plotter.Plotter, budget *timebudget.Budget, log *slog.Logger) *Driver {
	return &Driver{
		cfg:      cfg.withDefaults(),
		src:      src,
		store:    store,
		plotters: plotters,
		budget:   budget,
		log:      log,
	}
}

// Run executes INIT -> READING (-> FLUSHING) ... -> DONE. Any uncaught
// plotter or reader error aborts with a ProcessingError.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	// INIT: pre-allocate all histogram structures.
	for _, p := range d.plotters {
		if err := p.Book(d.store); err != nil {
			return Result{}, fmt.Errorf("book plotter %s: %w", p.Name(), err)
		}
	}

	d.budget.Start()
	start := time.Now()
	m := metrics.Get()
	outcome := OutcomeCompleted

	d.log.Info("event loop starting",
		"plotters", len(d.plotters),
		"flush_every", d.cfg.FlushEvery,
		"job_flavor", d.cfg.JobFlavor,
	)

reading:
	for d.src.Next() {
		ev := d.src.Event()
		// Total() counts the current event already, so the global entry of
		// the event in hand is Total()-1.
		n := d.src.Total()

		// Every plotter sees the same event before the cursor advances
		// again, in fixed registration order.
		for _, p := range d.plotters {
			if err := p.ProcessEvent(ev); err != nil {
				if m != nil {
					m.IncProcessingErrors(d.cfg.Labels)
				}
				return Result{Events: n}, &ProcessingError{
					GlobalEntry: n - 1,
					Position:    d.src.Position(),
					Err:         fmt.Errorf("plotter %s: %w", p.Name(), err),
				}
			}
		}

		if m != nil {
			m.IncEventsProcessed(d.cfg.Labels)
			m.SetGlobalEntry(d.cfg.Labels, float64(n-1))
		}

		if n%d.cfg.FlushEvery == 0 {
			if err := d.flush(m, n, start); err != nil {
				return Result{Events: n}, &ProcessingError{
					GlobalEntry: n - 1,
					Position:    d.src.Position(),
					Err:         err,
				}
			}
		}

		// Batch jobs stop gracefully before the scheduler's wall-clock
		// limit. The check keys on the cursor's global event counter.
		if d.cfg.JobIndex >= 0 && n%d.cfg.TimeCheckEvery == 0 {
			stop, err := d.budget.ShouldStop(d.cfg.JobFlavor, d.cfg.StopMargin)
			if err != nil {
				return Result{Events: n}, &ProcessingError{
					GlobalEntry: n - 1,
					Position:    d.src.Position(),
					Err:         err,
				}
			}
			if stop {
				frac, _ := d.budget.FractionUsed(d.cfg.JobFlavor)
				d.log.Info("time budget nearly exhausted, stopping event loop",
					"position", d.src.Position(),
					"job_flavor", d.cfg.JobFlavor,
					"budget_used_fraction", fmt.Sprintf("%.3f", frac),
				)
				outcome = OutcomeTimeBudget
				break reading
			}
		}

		select {
		case <-ctx.Done():
			d.log.Info("context canceled, stopping event loop", "position", d.src.Position())
			outcome = OutcomeCanceled
			break reading
		default:
		}
	}

	if err := d.src.Err(); err != nil {
		return Result{Events: d.src.Total()}, &ProcessingError{
			GlobalEntry: d.src.Total() - 1,
			Position:    d.src.Position(),
			Err:         err,
		}
	}

	// DONE: final flush, close durable storage.
	if err := d.store.Close(); err != nil {
		return Result{Events: d.src.Total()}, &ProcessingError{
			GlobalEntry: d.src.Total() - 1,
			Position:    d.src.Position(),
			Err:         fmt.Errorf("final histogram flush: %w", err),
		}
	}

	total := d.src.Total()
	elapsed := time.Since(start)
	d.log.Info("event loop done",
		"outcome", outcome.String(),
		"events", total,
		"duration", elapsed.String(),
		"rate_per_sec", fmt.Sprintf("%.2f", rate(total, elapsed)),
	)

	return Result{Events: total, Outcome: outcome}, nil
}

func (d *Driver) flush(m *metrics.Metrics, n int64, start time.Time) error {
	flushStart := time.Now()
	if err := d.store.Flush(); err != nil {
		return fmt.Errorf("flush histograms: %w", err)
	}

	elapsed := time.Since(start)
	d.log.Info("histograms flushed",
		"events", n,
		"rate_per_sec", fmt.Sprintf("%.2f", rate(n, elapsed)),
	)

	if m != nil {
		m.IncFlushes(d.cfg.Labels)
		m.ObserveFlushDuration(d.cfg.Labels, time.Since(flushStart).Seconds())
		m.SetEventsPerSecond(rate(n, elapsed))
	}
	return nil
}

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}
