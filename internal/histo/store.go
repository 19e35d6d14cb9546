// Package histo holds the in-memory histogram accumulator and persists it
// to a ROOT output file.
package histo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/rhist"
	"go-hep.org/x/hep/hbook"

	"github.com/hgcal-tpg/tpg-analyzer/internal/logging"
)

// Booker is the booking surface plotters see. *Store implements it.
type Booker interface {
	BookH1D(name string, bins int, low, high float64) (*hbook.H1D, error)
	BookH2D(name string, xbins int, xlow, xhigh float64, ybins int, ylow, yhigh float64) (*hbook.H2D, error)
}

// Store is the mutable histogram accumulator for one job. The driver owns
// its lifecycle (create, periodic Flush, final Close); plotters only write
// into booked histograms. Booking happens up front, before the event loop.
type Store struct {
	path string
	log  *slog.Logger

	h1    map[string]*hbook.H1D
	h2    map[string]*hbook.H2D
	order []string // booking order, for deterministic output
}

// NewStore creates an empty store that persists to the given ROOT file path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  logging.Component("histo"),
		h1:   make(map[string]*hbook.H1D),
		h2:   make(map[string]*hbook.H2D),
	}
}

// Path returns the output file path.
func (s *Store) Path() string { return s.path }

// BookH1D allocates a named 1D histogram. Booking the same name twice is a
// programming error and fails.
func (s *Store) BookH1D(name string, bins int, low, high float64) (*hbook.H1D, error) {
	if s.has(name) {
		return nil, fmt.Errorf("histogram %q already booked", name)
	}
	h := hbook.NewH1D(bins, low, high)
	h.Annotation()["name"] = name
	s.h1[name] = h
	s.order = append(s.order, name)
	return h, nil
}

// BookH2D allocates a named 2D histogram.
func (s *Store) BookH2D(name string, xbins int, xlow, xhigh float64, ybins int, ylow, yhigh float64) (*hbook.H2D, error) {
	if s.has(name) {
		return nil, fmt.Errorf("histogram %q already booked", name)
	}
	h := hbook.NewH2D(xbins, xlow, xhigh, ybins, ylow, yhigh)
	h.Annotation()["name"] = name
	s.h2[name] = h
	s.order = append(s.order, name)
	return h, nil
}

func (s *Store) has(name string) bool {
	if _, ok := s.h1[name]; ok {
		return true
	}
	_, ok := s.h2[name]
	return ok
}

// H1D returns a booked 1D histogram by name.
func (s *Store) H1D(name string) (*hbook.H1D, bool) {
	h, ok := s.h1[name]
	return h, ok
}

// Names returns the booked histogram names in booking order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Entries returns the total fill count across all histograms.
func (s *Store) Entries() int64 {
	var n int64
	for _, h := range s.h1 {
		n += h.Entries()
	}
	for _, h := range s.h2 {
		n += h.Entries()
	}
	return n
}

// Flush persists a snapshot of the accumulator without invalidating it.
// The snapshot is written to a temp file and renamed over the previous one,
// so a partially written output is never visible.
func (s *Store) Flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tempPath := s.path + ".tmp"

	f, err := groot.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	for _, name := range s.order {
		var werr error
		if h, ok := s.h1[name]; ok {
			werr = f.Put(name, rhist.NewH1DFrom(h))
		} else if h, ok := s.h2[name]; ok {
			werr = f.Put(name, rhist.NewH2DFrom(h))
		}
		if werr != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("write histogram %s: %w", name, werr)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, s.path, err)
	}

	s.log.Debug("flushed histograms", "path", s.path, "histograms", len(s.order))
	return nil
}

// Close writes the final snapshot and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}
