package submit

import (
	"archive/tar"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/hgcal-tpg/tpg-analyzer/internal/config"
)

func testSpecs() []JobSpec {
	return []JobSpec{
		{
			Params: config.JobParams{
				Name:       "electrons",
				Collection: "eg_signal",
				JobFlavor:  "workday",
				Priority:   5,
				MaxEvents:  -1,
				OutputDir:  "/tmp/histos",
				OutputBase: "histos_electrons_eg_v10",
			},
			JobCount: 12,
		},
		{
			Params: config.JobParams{
				Name:       "pions",
				Collection: "eg_signal",
				JobFlavor:  "longlunch",
				MaxEvents:  950,
				OutputDir:  "/tmp/histos",
				OutputBase: "histos_pions_eg_v10",
			},
			JobCount: 3,
		},
	}
}

func newTestGenerator(t *testing.T) (*Generator, string) {
	t.Helper()
	workDir := t.TempDir()

	binPath := filepath.Join(workDir, "tpg-analyzer")
	if err := os.WriteFile(binPath, []byte("#!binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(workDir, "cfg.yaml")
	if err := os.WriteFile(cfgPath, []byte("common: {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	return NewGenerator(workDir, cfgPath, binPath, slog.Default()), workDir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestGenerate(t *testing.T) {
	gen, _ := newTestGenerator(t)

	dagPath, err := gen.Generate(testSpecs())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	runDir := filepath.Dir(dagPath)
	dag := readFile(t, dagPath)

	for _, task := range []string{"eg_signal_electrons", "eg_signal_pions"} {
		if !strings.Contains(dag, "SPLICE "+task) {
			t.Errorf("dag missing splice %s:\n%s", task, dag)
		}

		taskDir := filepath.Join(runDir, task)
		for _, name := range []string{
			"batch.sub", "run_batch.sh",
			"hadd.sub", "hadd.sh",
			"cleanup.sub", "cleanup.sh",
			"splice.dag",
		} {
			if _, err := os.Stat(filepath.Join(taskDir, name)); err != nil {
				t.Errorf("task %s missing %s: %v", task, name, err)
			}
		}
		if st, err := os.Stat(filepath.Join(taskDir, "logs")); err != nil || !st.IsDir() {
			t.Errorf("task %s missing logs dir", task)
		}
	}
}

func TestGenerateBatchSub(t *testing.T) {
	gen, _ := newTestGenerator(t)

	dagPath, err := gen.Generate(testSpecs())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	sub := readFile(t, filepath.Join(filepath.Dir(dagPath), "eg_signal_electrons", "batch.sub"))
	if !strings.Contains(sub, `+JobFlavour = "workday"`) {
		t.Errorf("batch.sub missing job flavor:\n%s", sub)
	}
	// One proc per DAG node; the window index arrives via VARS.
	if !strings.Contains(sub, "arguments = $(JOB_INDEX)") {
		t.Errorf("batch.sub missing JOB_INDEX argument:\n%s", sub)
	}
	if !strings.HasSuffix(strings.TrimSpace(sub), "queue") {
		t.Errorf("batch.sub should queue a single proc:\n%s", sub)
	}
}

func TestGenerateRunScript(t *testing.T) {
	gen, _ := newTestGenerator(t)

	dagPath, err := gen.Generate(testSpecs())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	script := readFile(t, filepath.Dir(dagPath)+"/eg_signal_pions/run_batch.sh")
	for _, want := range []string{
		"-c eg_signal",
		"-s pions",
		"-n 950", // the submit-time event budget the plan was computed from
		`-b -r "$JOB_INDEX"`,
		"tar xzf code.tar.gz",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("run script missing %q:\n%s", want, script)
		}
	}

	// Unbounded runs forward -1 so workers use the whole catalog too.
	script = readFile(t, filepath.Dir(dagPath)+"/eg_signal_electrons/run_batch.sh")
	if !strings.Contains(script, "-n -1") {
		t.Errorf("run script missing unbounded event budget:\n%s", script)
	}
}

func TestGenerateSplice(t *testing.T) {
	gen, _ := newTestGenerator(t)

	dagPath, err := gen.Generate(testSpecs())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	runDir := filepath.Dir(dagPath)

	// One DAG node per window, each retried independently.
	withPriority := readFile(t, filepath.Join(runDir, "eg_signal_electrons", "splice.dag"))
	for _, want := range []string{
		"JOB job_0 ",
		"JOB job_11 ",
		`VARS job_0 JOB_INDEX="0"`,
		`VARS job_11 JOB_INDEX="11"`,
		"Retry job_0 3",
		"Retry job_11 3",
		"Retry hadd 3",
		"PRIORITY job_0 5",
		"PRIORITY job_11 5",
		"PARENT job_0 job_1",
		"job_11 CHILD hadd",
		"PARENT hadd CHILD cleanup",
	} {
		if !strings.Contains(withPriority, want) {
			t.Errorf("splice missing %q:\n%s", want, withPriority)
		}
	}
	if strings.Contains(withPriority, "JOB job_12 ") {
		t.Errorf("splice has more nodes than windows:\n%s", withPriority)
	}

	// Priority zero is omitted.
	noPriority := readFile(t, filepath.Join(runDir, "eg_signal_pions", "splice.dag"))
	if strings.Contains(noPriority, "PRIORITY") {
		t.Errorf("splice has unexpected PRIORITY line:\n%s", noPriority)
	}
	for _, want := range []string{"JOB job_0 ", "JOB job_2 ", "PARENT job_0 job_1 job_2 CHILD hadd"} {
		if !strings.Contains(noPriority, want) {
			t.Errorf("splice missing %q:\n%s", want, noPriority)
		}
	}
}

func TestGenerateTarball(t *testing.T) {
	gen, _ := newTestGenerator(t)

	dagPath, err := gen.Generate(testSpecs())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	f, err := os.Open(filepath.Join(filepath.Dir(dagPath), "code.tar.gz"))
	if err != nil {
		t.Fatalf("open tarball: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
	}

	want := map[string]bool{"tpg-analyzer": false, "cfg.yaml": false}
	for _, n := range names {
		want[n] = true
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("tarball missing %s (has %v)", n, names)
		}
	}
}

func TestGenerateNoSpecs(t *testing.T) {
	gen, _ := newTestGenerator(t)
	if _, err := gen.Generate(nil); err == nil {
		t.Fatal("expected error for empty spec list")
	}
}
