// Package plotter defines the per-event processing units of the analyzer.
//
// A plotter reads one event and updates aggregate statistics in the
// histogram store. Plotters are booked before the event loop and invoked
// strictly sequentially for every event, in registration order.
package plotter

import (
	"fmt"

	"github.com/hgcal-tpg/tpg-analyzer/internal/calib"
	"github.com/hgcal-tpg/tpg-analyzer/internal/config"
	"github.com/hgcal-tpg/tpg-analyzer/internal/histo"
	"github.com/hgcal-tpg/tpg-analyzer/internal/ntuple"
)

// Plotter is a pluggable per-event processing unit.
type Plotter interface {
	// Name identifies the plotter in logs and histogram prefixes.
	Name() string

	// Book pre-allocates the plotter's histograms in the store.
	Book(store histo.Booker) error

	// ProcessEvent reads one event and fills histograms. It must not
	// retain the event handle.
	ProcessEvent(ev *ntuple.Event) error
}

// FromSpecs instantiates plotters from their configuration, sharing one
// calibration and one weight table across all of them.
func FromSpecs(specs []config.PlotterSpec, cal *calib.Calib, weights *Weights) ([]Plotter, error) {
	plotters := make([]Plotter, 0, len(specs))
	for _, spec := range specs {
		sel, err := CompileSelection(spec.Selection)
		if err != nil {
			return nil, fmt.Errorf("plotter %s: %w", spec.Name, err)
		}

		base := spectrumPlotter{
			name:    spec.Name,
			hist:    spec.Hist,
			sel:     sel,
			weights: weights,
		}

		switch spec.Type {
		case "tower":
			plotters = append(plotters, &towerPlotter{spectrumPlotter: base, cal: cal})
		case "cluster":
			plotters = append(plotters, &clusterPlotter{spectrumPlotter: base, cal: cal})
		case "gen":
			plotters = append(plotters, &genPlotter{spectrumPlotter: base})
		default:
			return nil, fmt.Errorf("plotter %s: unknown type %q", spec.Name, spec.Type)
		}
	}
	return plotters, nil
}
