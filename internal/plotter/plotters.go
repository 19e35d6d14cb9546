package plotter

import (
	"fmt"
	"math"

	"go-hep.org/x/hep/hbook"

	"github.com/hgcal-tpg/tpg-analyzer/internal/calib"
	"github.com/hgcal-tpg/tpg-analyzer/internal/config"
	"github.com/hgcal-tpg/tpg-analyzer/internal/histo"
	"github.com/hgcal-tpg/tpg-analyzer/internal/ntuple"
)

// spectrumPlotter carries the booking and selection machinery shared by the
// concrete plotters: a pt spectrum with configured binning, an eta spectrum
// and a per-event multiplicity count.
type spectrumPlotter struct {
	name    string
	hist    config.HistSpec
	sel     *Selection
	weights *Weights

	hPt  *hbook.H1D
	hEta *hbook.H1D
	hN   *hbook.H1D
}

func (p *spectrumPlotter) Name() string { return p.name }

func (p *spectrumPlotter) Book(store histo.Booker) error {
	var err error
	if p.hPt, err = store.BookH1D(p.name+"_pt", p.hist.Bins, p.hist.Low, p.hist.High); err != nil {
		return err
	}
	if p.hEta, err = store.BookH1D(p.name+"_eta", 50, -5, 5); err != nil {
		return err
	}
	if p.hN, err = store.BookH1D(p.name+"_n", 64, 0, 64); err != nil {
		return err
	}
	return nil
}

// fillObjects applies the selection to each (pt, eta) candidate and fills
// the spectra with the sample weight.
func (p *spectrumPlotter) fillObjects(pts, etas []float64) error {
	n := len(pts)
	if len(etas) < n {
		n = len(etas)
	}

	selected := 0
	for i := 0; i < n; i++ {
		env := map[string]interface{}{
			"pt":     pts[i],
			"eta":    etas[i],
			"abseta": math.Abs(etas[i]),
		}
		pass, err := p.sel.Accept(env)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		if !pass {
			continue
		}

		w := p.weights.Weight(pts[i])
		p.hPt.Fill(pts[i], w)
		p.hEta.Fill(etas[i], w)
		selected++
	}

	p.hN.Fill(float64(selected), 1)
	return nil
}

// towerPlotter fills trigger-tower spectra, with the calibration scale
// applied to tower pt.
type towerPlotter struct {
	spectrumPlotter
	cal *calib.Calib
}

func (p *towerPlotter) ProcessEvent(ev *ntuple.Event) error {
	pts := ev.Float64s("tower_pt")
	etas := ev.Float64s("tower_eta")

	scale := p.cal.Scale()
	for i := range pts {
		pts[i] *= scale
	}
	return p.fillObjects(pts, etas)
}

// clusterPlotter fills 3D-cluster spectra plus a calibrated energy spectrum,
// using the per-layer calibration factor keyed on the cluster's first layer.
type clusterPlotter struct {
	spectrumPlotter
	cal *calib.Calib

	hEnergy *hbook.H1D
}

func (p *clusterPlotter) Book(store histo.Booker) error {
	if err := p.spectrumPlotter.Book(store); err != nil {
		return err
	}
	var err error
	p.hEnergy, err = store.BookH1D(p.name+"_energy", 100, 0, 500)
	return err
}

func (p *clusterPlotter) ProcessEvent(ev *ntuple.Event) error {
	pts := ev.Float64s("cl3d_pt")
	etas := ev.Float64s("cl3d_eta")
	energies := ev.Float64s("cl3d_energy")
	firstLayers := ev.Float64s("cl3d_firstlayer")

	for i := range energies {
		layer := 0
		if i < len(firstLayers) {
			layer = int(firstLayers[i])
		}
		e := energies[i] * p.cal.Factor(layer)
		p.hEnergy.Fill(e, p.weights.Weight(e))
	}

	return p.fillObjects(pts, etas)
}

// genPlotter fills generator-level spectra; the selection sees the particle
// status in addition to the kinematics.
type genPlotter struct {
	spectrumPlotter
}

func (p *genPlotter) ProcessEvent(ev *ntuple.Event) error {
	pts := ev.Float64s("gen_pt")
	etas := ev.Float64s("gen_eta")
	statuses := ev.Float64s("gen_status")

	n := len(pts)
	if len(etas) < n {
		n = len(etas)
	}

	selected := 0
	for i := 0; i < n; i++ {
		env := map[string]interface{}{
			"pt":     pts[i],
			"eta":    etas[i],
			"abseta": math.Abs(etas[i]),
			"status": 0.0,
		}
		if i < len(statuses) {
			env["status"] = statuses[i]
		}

		pass, err := p.sel.Accept(env)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		if !pass {
			continue
		}

		w := p.weights.Weight(pts[i])
		p.hPt.Fill(pts[i], w)
		p.hEta.Fill(etas[i], w)
		selected++
	}

	p.hN.Fill(float64(selected), 1)
	return nil
}
