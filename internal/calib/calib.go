// Package calib provides calibration factor lookup for reconstructed
// quantities. The core treats it as a black box applied during event
// processing.
package calib

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// file layout:
//
//	versions:
//	  v2:
//	    scale: 1.01
//	    layers:
//	      1: 1.02
//	      2: 0.98
type calibFile struct {
	Versions map[string]versionEntry `yaml:"versions"`
}

type versionEntry struct {
	Scale  float64         `yaml:"scale"`
	Layers map[int]float64 `yaml:"layers"`
}

// Calib holds the factors of one calibration version. Read-only after Load.
type Calib struct {
	version string
	scale   float64
	layers  map[int]float64
}

// Identity returns a calibration that leaves values untouched.
func Identity() *Calib {
	return &Calib{version: "none", scale: 1}
}

// Load reads the calibration file and selects one version. An empty path
// yields the identity calibration.
func Load(path, version string) (*Calib, error) {
	if path == "" {
		return Identity(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}

	var cf calibFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}

	entry, ok := cf.Versions[version]
	if !ok {
		return nil, fmt.Errorf("calibration version %q not in %s", version, path)
	}

	scale := entry.Scale
	if scale == 0 {
		scale = 1
	}

	return &Calib{
		version: version,
		scale:   scale,
		layers:  entry.Layers,
	}, nil
}

// Version returns the loaded calibration version label.
func (c *Calib) Version() string { return c.version }

// Scale returns the version-level energy scale.
func (c *Calib) Scale() float64 { return c.scale }

// Factor returns the multiplicative factor for a layer, falling back to the
// version-level scale.
func (c *Calib) Factor(layer int) float64 {
	if f, ok := c.layers[layer]; ok {
		return f
	}
	return c.scale
}
