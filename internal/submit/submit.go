// Package submit generates the HTCondor DAGMan artifacts for a batch run:
// per-sample task directories with submit descriptions and wrapper scripts,
// a splice DAG per sample and a top-level DAG tying them together, plus the
// code tarball the jobs unpack on the worker node.
package submit

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/hgcal-tpg/tpg-analyzer/internal/config"
)

// JobSpec is one sample to submit: its resolved parameters and the number
// of batch windows the partitioner planned for it.
type JobSpec struct {
	Params   config.JobParams
	JobCount int
}

// Generator writes all submission artifacts under one working directory.
type Generator struct {
	workDir    string
	configPath string
	binaryPath string
	log        *slog.Logger
}

// NewGenerator creates a generator. configPath and binaryPath are shipped
// to the worker nodes inside the code tarball.
func NewGenerator(workDir, configPath, binaryPath string, log *slog.Logger) *Generator {
	return &Generator{
		workDir:    workDir,
		configPath: configPath,
		binaryPath: binaryPath,
		log:        log,
	}
}

type taskFiles struct {
	Name        string
	TaskDir     string
	Collection  string
	Sample      string
	JobFlavor   string
	JobCount    int
	Jobs        []int // window indices, one DAG node each
	MaxEvents   int64
	Priority    int
	OutputDir   string
	OutputBase  string
	Tarball     string
	TarballName string
	ConfigName  string
}

// Generate writes the task directories, the tarball and the top-level DAG.
// It returns the path of the DAG file to hand to condor_submit_dag.
func (g *Generator) Generate(specs []JobSpec) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("no samples to submit")
	}

	runID := uuid.NewString()
	runDir := filepath.Join(g.workDir, "submission_"+runID[:8])
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create submission dir: %w", err)
	}

	tarball := filepath.Join(runDir, "code.tar.gz")
	if err := g.writeTarball(tarball); err != nil {
		return "", err
	}

	var tasks []taskFiles
	for _, spec := range specs {
		t := taskFiles{
			Name:        fmt.Sprintf("%s_%s", spec.Params.Collection, spec.Params.Name),
			Collection:  spec.Params.Collection,
			Sample:      spec.Params.Name,
			JobFlavor:   spec.Params.JobFlavor,
			JobCount:    spec.JobCount,
			Jobs:        windowIndices(spec.JobCount),
			MaxEvents:   spec.Params.MaxEvents,
			Priority:    spec.Params.Priority,
			OutputDir:   spec.Params.OutputDir,
			OutputBase:  spec.Params.OutputBase,
			Tarball:     tarball,
			TarballName: filepath.Base(tarball),
			ConfigName:  filepath.Base(g.configPath),
		}
		t.TaskDir = filepath.Join(runDir, t.Name)

		if err := g.writeTask(t); err != nil {
			return "", fmt.Errorf("task %s: %w", t.Name, err)
		}
		tasks = append(tasks, t)

		g.log.Info("task prepared",
			"task", t.Name,
			"jobs", t.JobCount,
			"job_flavor", t.JobFlavor,
			"priority", t.Priority,
		)
	}

	dagPath := filepath.Join(runDir, "dagman.dag")
	f, err := os.Create(dagPath)
	if err != nil {
		return "", fmt.Errorf("create dag file: %w", err)
	}
	defer f.Close()
	if err := dagTmpl.Execute(f, struct{ Tasks []taskFiles }{tasks}); err != nil {
		return "", fmt.Errorf("write dag file: %w", err)
	}

	g.log.Info("submission ready",
		"run_id", runID,
		"dag", dagPath,
		"tasks", len(tasks),
	)
	return dagPath, nil
}

func (g *Generator) writeTask(t taskFiles) error {
	if err := os.MkdirAll(filepath.Join(t.TaskDir, "logs"), 0o755); err != nil {
		return err
	}

	files := []struct {
		name string
		tmpl interface {
			Execute(io.Writer, interface{}) error
		}
		mode os.FileMode
	}{
		{"batch.sub", batchSubTmpl, 0o644},
		{"run_batch.sh", runScriptTmpl, 0o755},
		{"hadd.sub", haddSubTmpl, 0o644},
		{"hadd.sh", haddScriptTmpl, 0o755},
		{"cleanup.sub", cleanupSubTmpl, 0o644},
		{"cleanup.sh", cleanupScriptTmpl, 0o755},
		{"splice.dag", spliceTmpl, 0o644},
	}

	for _, spec := range files {
		path := filepath.Join(t.TaskDir, spec.name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, spec.mode)
		if err != nil {
			return fmt.Errorf("create %s: %w", spec.name, err)
		}
		err = spec.tmpl.Execute(f, t)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", spec.name, err)
		}
	}
	return nil
}

// writeTarball packs the analyzer binary and the config file for shipping
// to the worker nodes.
func (g *Generator) writeTarball(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create tarball: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, member := range []struct {
		src  string
		name string
		mode int64
	}{
		{g.binaryPath, "tpg-analyzer", 0o755},
		{g.configPath, filepath.Base(g.configPath), 0o644},
	} {
		if err := addFile(tw, member.src, member.name, member.mode); err != nil {
			return fmt.Errorf("tarball member %s: %w", member.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip: %w", err)
	}

	g.log.Info("code tarball written", "path", path)
	return nil
}

func windowIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func addFile(tw *tar.Writer, src, name string, mode int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    st.Size(),
		ModTime: st.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
