package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"go-hep.org/x/hep/hbook"

	"github.com/hgcal-tpg/tpg-analyzer/internal/histo"
	"github.com/hgcal-tpg/tpg-analyzer/internal/ntuple"
	"github.com/hgcal-tpg/tpg-analyzer/internal/plotter"
	"github.com/hgcal-tpg/tpg-analyzer/internal/timebudget"
)

// fakeSource yields n empty events.
type fakeSource struct {
	n     int64
	total int64
	err   error
	errAt int64 // cursor error after yielding this many events, 0 = never
	ev    ntuple.Event
}

func (s *fakeSource) Next() bool {
	if s.errAt > 0 && s.total >= s.errAt {
		s.err = fmt.Errorf("read failure after event %d", s.total-1)
		return false
	}
	if s.total >= s.n {
		return false
	}
	s.total++
	return true
}

func (s *fakeSource) Event() *ntuple.Event { return &s.ev }
func (s *fakeSource) Err() error           { return s.err }
func (s *fakeSource) Total() int64         { return s.total }

func (s *fakeSource) Position() string {
	return fmt.Sprintf("global_entry=%d", s.total-1)
}

// fakeStore counts flushes, booking real hbook histograms.
type fakeStore struct {
	flushes  int
	closed   bool
	flushErr error
}

func (s *fakeStore) BookH1D(name string, bins int, low, high float64) (*hbook.H1D, error) {
	return hbook.NewH1D(bins, low, high), nil
}

func (s *fakeStore) BookH2D(name string, xb int, xl, xh float64, yb int, yl, yh float64) (*hbook.H2D, error) {
	return hbook.NewH2D(xb, xl, xh, yb, yl, yh), nil
}

func (s *fakeStore) Flush() error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushes++
	return nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return s.Flush()
}

// fakePlotter records invocations and can fail at a given call ordinal.
type fakePlotter struct {
	name   string
	booked bool
	calls  int64
	failAt int64 // fail on this 0-based call, -1 = never
	trace  *[]string
}

func (p *fakePlotter) Name() string { return p.name }

func (p *fakePlotter) Book(histo.Booker) error {
	p.booked = true
	return nil
}

func (p *fakePlotter) ProcessEvent(*ntuple.Event) error {
	if p.trace != nil {
		*p.trace = append(*p.trace, p.name)
	}
	if p.failAt >= 0 && p.calls == p.failAt {
		return errors.New("bad event content")
	}
	p.calls++
	return nil
}

func newFakePlotter(name string) *fakePlotter {
	return &fakePlotter{name: name, failAt: -1}
}

func testLogger() *slog.Logger { return slog.Default() }

func TestRunProcessesAllEvents(t *testing.T) {
	src := &fakeSource{n: 2500}
	store := &fakeStore{}
	p1 := newFakePlotter("towers")
	p2 := newFakePlotter("clusters")

	d := New(Config{JobIndex: -1}, src, store, []plotter.Plotter{p1, p2}, timebudget.New(nil), testLogger())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Events != 2500 {
		t.Errorf("events = %d, want 2500", res.Events)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	if !p1.booked || !p2.booked {
		t.Error("plotters not booked")
	}
	if p1.calls != 2500 || p2.calls != 2500 {
		t.Errorf("plotter calls = %d, %d, want 2500 each", p1.calls, p2.calls)
	}
	if !store.closed {
		t.Error("store not closed")
	}
}

func TestRunFlushCadence(t *testing.T) {
	src := &fakeSource{n: 2500}
	store := &fakeStore{}

	d := New(Config{JobIndex: -1}, src, store, nil, timebudget.New(nil), testLogger())
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two periodic flushes (events 1000 and 2000) plus the final one.
	if store.flushes != 3 {
		t.Errorf("flushes = %d, want 3", store.flushes)
	}
}

func TestRunFlushCadenceExactMultiple(t *testing.T) {
	src := &fakeSource{n: 2000}
	store := &fakeStore{}

	d := New(Config{JobIndex: -1}, src, store, nil, timebudget.New(nil), testLogger())
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.flushes != 3 {
		t.Errorf("flushes = %d, want 3", store.flushes)
	}
}

func TestRunPlotterOrderIsStable(t *testing.T) {
	var trace []string
	src := &fakeSource{n: 3}
	p1 := newFakePlotter("first")
	p1.trace = &trace
	p2 := newFakePlotter("second")
	p2.trace = &trace

	d := New(Config{JobIndex: -1}, src, &fakeStore{}, []plotter.Plotter{p1, p2}, timebudget.New(nil), testLogger())

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"first", "second", "first", "second", "first", "second"}
	if len(trace) != len(want) {
		t.Fatalf("trace length = %d, want %d", len(trace), len(want))
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestRunAbortsOnPlotterError(t *testing.T) {
	src := &fakeSource{n: 5000}
	store := &fakeStore{}
	bad := newFakePlotter("bad")
	bad.failAt = 1437

	d := New(Config{JobIndex: -1}, src, store, []plotter.Plotter{bad}, timebudget.New(nil), testLogger())

	_, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}

	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ProcessingError", err)
	}
	if pe.GlobalEntry != 1437 {
		t.Errorf("global entry = %d, want 1437", pe.GlobalEntry)
	}
	if pe.Position != "global_entry=1437" {
		t.Errorf("position = %q", pe.Position)
	}

	// No flush beyond the last completed 1000-event checkpoint, and no
	// final flush on abort.
	if store.flushes != 1 {
		t.Errorf("flushes = %d, want 1", store.flushes)
	}
	if store.closed {
		t.Error("store closed on abort")
	}
}

func TestRunAbortsOnSourceError(t *testing.T) {
	src := &fakeSource{n: 1000, errAt: 40}

	d := New(Config{JobIndex: -1}, src, &fakeStore{}, nil, timebudget.New(nil), testLogger())

	_, err := d.Run(context.Background())
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ProcessingError", err)
	}
	if pe.GlobalEntry != 39 {
		t.Errorf("global entry = %d, want 39", pe.GlobalEntry)
	}
}

func TestRunAbortsOnFlushError(t *testing.T) {
	src := &fakeSource{n: 1500}
	store := &fakeStore{flushErr: errors.New("disk full")}

	d := New(Config{JobIndex: -1}, src, store, nil, timebudget.New(nil), testLogger())

	_, err := d.Run(context.Background())
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ProcessingError", err)
	}
	// The first attempted flush is at event 1000.
	if pe.GlobalEntry != 999 {
		t.Errorf("global entry = %d, want 999", pe.GlobalEntry)
	}
}

func TestRunStopsOnTimeBudget(t *testing.T) {
	src := &fakeSource{n: 100000}
	store := &fakeStore{}

	// Clock jumps past the espresso allowance on the second reading.
	base := time.Unix(1700000000, 0)
	reads := 0
	budget := timebudget.NewWithClock(nil, func() time.Time {
		reads++
		if reads == 1 {
			return base
		}
		return base.Add(19 * time.Minute)
	})

	d := New(Config{JobIndex: 0, JobFlavor: "espresso"}, src, store, nil, budget, testLogger())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeTimeBudget {
		t.Fatalf("outcome = %v, want time-budget", res.Outcome)
	}
	// The check fires at the first multiple of 100 events.
	if res.Events != 100 {
		t.Errorf("events = %d, want 100", res.Events)
	}
	if !store.closed {
		t.Error("store not closed after graceful stop")
	}
}

func TestRunInteractiveIgnoresTimeBudget(t *testing.T) {
	src := &fakeSource{n: 500}
	store := &fakeStore{}

	base := time.Unix(1700000000, 0)
	budget := timebudget.NewWithClock(nil, func() time.Time {
		return base.Add(100 * time.Hour) // way past every allowance
	})

	// JobIndex -1 means interactive: no time checks at all.
	d := New(Config{JobIndex: -1, JobFlavor: "espresso"}, src, store, nil, budget, testLogger())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Events != 500 {
		t.Errorf("events = %d, want 500", res.Events)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
}

func TestRunUnknownFlavorInBatchMode(t *testing.T) {
	src := &fakeSource{n: 500}

	d := New(Config{JobIndex: 0, JobFlavor: "doubleespresso"}, src, &fakeStore{}, nil, timebudget.New(nil), testLogger())

	_, err := d.Run(context.Background())
	if !errors.Is(err, timebudget.ErrUnknownFlavor) {
		t.Fatalf("err = %v, want ErrUnknownFlavor", err)
	}
}

func TestRunContextCancel(t *testing.T) {
	src := &fakeSource{n: 100000}
	store := &fakeStore{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{JobIndex: -1}, src, store, nil, timebudget.New(nil), testLogger())

	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCanceled {
		t.Errorf("outcome = %v, want canceled", res.Outcome)
	}
	if res.Events != 1 {
		t.Errorf("events = %d, want 1 (cancel observed after the first event)", res.Events)
	}
}
