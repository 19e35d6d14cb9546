package plotter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// weightFile layout:
//
//	bins:
//	  - {low: 0, high: 10, weight: 1.3}
//	  - {low: 10, high: 50, weight: 0.9}
type weightFile struct {
	Bins []weightBin `yaml:"bins"`
}

type weightBin struct {
	Low    float64 `yaml:"low"`
	High   float64 `yaml:"high"`
	Weight float64 `yaml:"weight"`
}

// Weights maps a pt value onto a per-sample fill weight. Values outside
// every bin get weight 1.
type Weights struct {
	bins []weightBin
}

// UnitWeights returns weights that are 1 everywhere.
func UnitWeights() *Weights {
	return &Weights{}
}

// LoadWeights reads a pt-binned weight file. An empty path yields unit
// weights.
func LoadWeights(path string) (*Weights, error) {
	if path == "" {
		return UnitWeights(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weight file %s: %w", path, err)
	}

	var wf weightFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse weight file %s: %w", path, err)
	}

	for _, b := range wf.Bins {
		if b.High <= b.Low {
			return nil, fmt.Errorf("weight file %s: bin high %v <= low %v", path, b.High, b.Low)
		}
	}

	return &Weights{bins: wf.Bins}, nil
}

// Weight returns the fill weight for a pt value.
func (w *Weights) Weight(pt float64) float64 {
	for _, b := range w.bins {
		if pt >= b.Low && pt < b.High {
			return b.Weight
		}
	}
	return 1
}
