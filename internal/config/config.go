// Package config loads and validates the analysis configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownCollection is returned when the requested collection is not configured.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownSample is returned when the requested sample is not part of the collection.
	ErrUnknownSample = errors.New("unknown sample")
)

// Config is the top-level analysis configuration.
type Config struct {
	Common      Common                   `yaml:"common"`
	Samples     map[string]Sample        `yaml:"samples"`
	Collections map[string]Collection    `yaml:"collections"`
	Plotters    map[string][]PlotterSpec `yaml:"plotters"`
}

// Common holds settings shared by all collections.
type Common struct {
	InputDir     string            `yaml:"input_dir"`
	OutputDir    map[string]string `yaml:"output_dir"` // hostname substring -> dir, "default" required
	TreeName     string            `yaml:"tree_name"`
	PlotVersion  string            `yaml:"plot_version"`
	CalibVersion string            `yaml:"calib_version"`
	CalibFile    string            `yaml:"calib_file"`
}

// Sample describes one input dataset.
type Sample struct {
	InputSampleDir string `yaml:"input_sample_dir"`
	EventsPerJob   int64  `yaml:"events_per_job"`
}

// Collection groups samples processed with the same plotters.
type Collection struct {
	FileLabel    string            `yaml:"file_label"`
	Samples      []string          `yaml:"samples"`
	Plotters     []string          `yaml:"plotters"`
	JobFlavor    string            `yaml:"htc_jobflavor"`
	Priorities   map[string]int    `yaml:"priorities"`
	EventsPerJob map[string]int64  `yaml:"events_per_job"` // per-sample overrides
	Weights      map[string]string `yaml:"weights"`        // per-sample weight files
}

// PlotterSpec configures a single plotter instance.
type PlotterSpec struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`      // "tower" | "cluster" | "gen"
	Selection string   `yaml:"selection"` // expr source, empty = accept all
	Hist      HistSpec `yaml:"hist"`
}

// HistSpec is the 1D binning used by a plotter's primary spectrum.
type HistSpec struct {
	Bins int     `yaml:"bins"`
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Load reads and validates a configuration file.
// Invalid or missing fields fail here, not on first access.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Common.InputDir == "" {
		return errors.New("common.input_dir is required")
	}
	if c.Common.TreeName == "" {
		return errors.New("common.tree_name is required")
	}
	if _, ok := c.Common.OutputDir["default"]; !ok {
		return errors.New(`common.output_dir must contain a "default" entry`)
	}
	if c.Common.PlotVersion == "" {
		return errors.New("common.plot_version is required")
	}

	for name, coll := range c.Collections {
		if len(coll.Samples) == 0 {
			return fmt.Errorf("collection %s: no samples", name)
		}
		for _, s := range coll.Samples {
			if _, ok := c.Samples[s]; !ok {
				return fmt.Errorf("collection %s: sample %s not defined under samples", name, s)
			}
		}
		for _, p := range coll.Plotters {
			if _, ok := c.Plotters[p]; !ok {
				return fmt.Errorf("collection %s: plotter group %s not defined", name, p)
			}
		}
	}

	for group, specs := range c.Plotters {
		for _, spec := range specs {
			if spec.Name == "" {
				return fmt.Errorf("plotter group %s: plotter without a name", group)
			}
			switch spec.Type {
			case "tower", "cluster", "gen":
			default:
				return fmt.Errorf("plotter %s: unknown type %q", spec.Name, spec.Type)
			}
			if spec.Hist.Bins <= 0 {
				return fmt.Errorf("plotter %s: hist.bins must be > 0", spec.Name)
			}
			if spec.Hist.High <= spec.Hist.Low {
				return fmt.Errorf("plotter %s: hist.high must be > hist.low", spec.Name)
			}
		}
	}

	return nil
}

// ResolveOutputDir picks the output directory for the given hostname.
// The first entry whose key is a substring of the hostname wins,
// falling back to "default".
func (c *Config) ResolveOutputDir(hostname string) string {
	out := c.Common.OutputDir["default"]

	keys := make([]string, 0, len(c.Common.OutputDir))
	for k := range c.Common.OutputDir {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, machine := range keys {
		if machine == "default" {
			continue
		}
		if strings.Contains(hostname, machine) {
			out = c.Common.OutputDir[machine]
		}
	}
	return out
}

// Options are the already-parsed CLI knobs consumed by parameter resolution.
type Options struct {
	Collection string
	Sample     string // "all" runs every sample of the collection
	MaxEvents  int64
	Batch      bool
	JobIndex   int // -1 when not running a specific batch job
	OutDir     string
	Debug      int
	Hostname   string
}

// JobParams is the fully resolved, immutable parameter set for one sample run.
type JobParams struct {
	Name         string
	Collection   string
	InputDir     string
	TreeName     string
	OutputBase   string
	OutputFile   string
	OutputDir    string
	MaxEvents    int64
	EventsPerJob int64
	JobFlavor    string
	Priority     int
	WeightFile   string
	CalibVersion string
	CalibFile    string
	PlotVersion  string
	Plotters     []PlotterSpec
	Debug        int
}

// SampleNames returns the samples of a collection, or ErrUnknownCollection.
func (c *Config) SampleNames(collection string) ([]string, error) {
	coll, ok := c.Collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return coll.Samples, nil
}

// CollectionNames returns the configured collection names, sorted.
func (c *Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveParams builds the JobParams for the requested collection/sample pair.
// Sample "all" resolves every sample of the collection.
func (c *Config) ResolveParams(opt Options) ([]JobParams, error) {
	coll, ok := c.Collections[opt.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, opt.Collection)
	}

	var samples []string
	if opt.Sample == "all" {
		samples = coll.Samples
	} else {
		found := false
		for _, s := range coll.Samples {
			if s == opt.Sample {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s in collection %s", ErrUnknownSample, opt.Sample, opt.Collection)
		}
		samples = []string{opt.Sample}
	}

	outdir := c.ResolveOutputDir(opt.Hostname)
	if opt.OutDir != "" {
		outdir = opt.OutDir
	}

	var params []JobParams
	for _, name := range samples {
		sample := c.Samples[name]

		// Interactive runs use -1 so the reader takes the first N events directly.
		eventsPerJob := int64(-1)
		outFile := fmt.Sprintf("histos_%s_%s_%s.root", name, coll.FileLabel, c.Common.PlotVersion)
		outBase := strings.TrimSuffix(outFile, ".root")
		if opt.Batch {
			eventsPerJob = sample.EventsPerJob
			if override, ok := coll.EventsPerJob[name]; ok {
				eventsPerJob = override
			}
			if opt.JobIndex >= 0 {
				outFile = fmt.Sprintf("%s_%d.root", outBase, opt.JobIndex)
			}
		}

		var plotters []PlotterSpec
		for _, group := range coll.Plotters {
			plotters = append(plotters, c.Plotters[group]...)
		}

		params = append(params, JobParams{
			Name:         name,
			Collection:   opt.Collection,
			InputDir:     JoinPath(c.Common.InputDir, sample.InputSampleDir),
			TreeName:     c.Common.TreeName,
			OutputBase:   outBase,
			OutputFile:   JoinPath(outdir, outFile),
			OutputDir:    outdir,
			MaxEvents:    opt.MaxEvents,
			EventsPerJob: eventsPerJob,
			JobFlavor:    coll.JobFlavor,
			Priority:     coll.Priorities[name],
			WeightFile:   coll.Weights[name],
			CalibVersion: c.Common.CalibVersion,
			CalibFile:    c.Common.CalibFile,
			PlotVersion:  c.Common.PlotVersion,
			Plotters:     plotters,
			Debug:        opt.Debug,
		})
	}

	return params, nil
}

// JoinPath joins path elements, preserving URI schemes like gs:// and s3://.
func JoinPath(base string, elems ...string) string {
	parts := append([]string{strings.TrimRight(base, "/")}, elems...)
	for i := 1; i < len(parts); i++ {
		parts[i] = strings.Trim(parts[i], "/")
	}
	return strings.Join(parts, "/")
}
