package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
)

// ntupleEvent mirrors the flat branch layout of the trigger ntuples.
type ntupleEvent struct {
	Run      int64     `parquet:"run"`
	Event    int64     `parquet:"event"`
	TowerPt  []float64 `parquet:"tower_pt"`
	TowerEta []float64 `parquet:"tower_eta"`
}

func writeNtuple(t *testing.T, path string, n int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[ntupleEvent](f)
	rows := make([]ntupleEvent, n)
	for i := range rows {
		rows[i] = ntupleEvent{
			Run:      1,
			Event:    int64(i),
			TowerPt:  []float64{float64(i), float64(i) * 2},
			TowerEta: []float64{1.5, -1.5},
		}
	}
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

const testTree = "ntupleEvent"

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	// Written out of lexicographic order on purpose.
	writeNtuple(t, filepath.Join(dir, "chunk_b.parquet"), 30)
	writeNtuple(t, filepath.Join(dir, "chunk_a.parquet"), 20)

	cat, err := Discover(context.Background(), dir, testTree)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(cat) != 2 {
		t.Fatalf("files = %d, want 2", len(cat))
	}
	if got := filepath.Base(cat[0].File.Path); got != "chunk_a.parquet" {
		t.Errorf("first file = %s, want chunk_a.parquet", got)
	}
	if cat[0].Rows != 20 || cat[1].Rows != 30 {
		t.Errorf("rows = %d, %d, want 20, 30", cat[0].Rows, cat[1].Rows)
	}
	if got := cat.TotalRows(); got != 50 {
		t.Errorf("total rows = %d, want 50", got)
	}
}

func TestDiscoverSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeNtuple(t, filepath.Join(dir, "good.parquet"), 10)
	if err := os.WriteFile(filepath.Join(dir, "bad.parquet"), []byte("not parquet"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := Discover(context.Background(), dir, testTree)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(cat) != 1 {
		t.Fatalf("files = %d, want 1 (corrupt file skipped)", len(cat))
	}
}

func TestDiscoverSkipsWrongTree(t *testing.T) {
	dir := t.TempDir()
	writeNtuple(t, filepath.Join(dir, "only.parquet"), 10)

	_, err := Discover(context.Background(), dir, "someOtherTree")
	if !errors.Is(err, ErrNoInputFiles) {
		t.Fatalf("err = %v, want ErrNoInputFiles", err)
	}
}

func TestDiscoverIgnoresNonNtupleFiles(t *testing.T) {
	dir := t.TempDir()
	writeNtuple(t, filepath.Join(dir, "data.parquet"), 5)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := Discover(context.Background(), dir, testTree)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(cat) != 1 {
		t.Fatalf("files = %d, want 1", len(cat))
	}
}

func TestDiscoverEmptyDir(t *testing.T) {
	_, err := Discover(context.Background(), t.TempDir(), testTree)
	if !errors.Is(err, ErrNoInputFiles) {
		t.Fatalf("err = %v, want ErrNoInputFiles", err)
	}
}

func TestDiscoverIsReproducible(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeNtuple(t, filepath.Join(dir, fmt.Sprintf("chunk_%d.parquet", i)), 10+i)
	}

	first, err := Discover(context.Background(), dir, testTree)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	for round := 0; round < 3; round++ {
		again, err := Discover(context.Background(), dir, testTree)
		if err != nil {
			t.Fatalf("Discover round %d: %v", round, err)
		}
		for i := range first {
			if again[i] != first[i] {
				t.Fatalf("round %d entry %d differs: %+v vs %+v", round, i, again[i], first[i])
			}
		}
	}
}

func TestHasTree(t *testing.T) {
	schema := parquet.SchemaOf(ntupleEvent{})

	tests := []struct {
		treePath string
		want     bool
	}{
		{"ntupleEvent", true},
		{"tower_pt", true},
		{"ntupleEvent/tower_pt", true},
		{"ntupleEvent.tower_pt", true},
		{"missing", false},
		{"ntupleEvent/missing", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasTree(schema, tt.treePath); got != tt.want {
			t.Errorf("HasTree(%q) = %v, want %v", tt.treePath, got, tt.want)
		}
	}
}

func TestIsNtupleFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a/b/file.parquet", true},
		{"a/b/FILE.PARQUET", true},
		{"a/b/file.root", false},
		{"file.parquet.bak", false},
	}
	for _, tt := range tests {
		if got := IsNtupleFile(tt.path); got != tt.want {
			t.Errorf("IsNtupleFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSplitBucketURI(t *testing.T) {
	tests := []struct {
		uri    string
		bucket string
		key    string
	}{
		{"gs://bucket/a/b/f.parquet", "gs://bucket", "a/b/f.parquet"},
		{"s3://bucket", "s3://bucket", ""},
		{"gs://bucket/", "gs://bucket", ""},
	}
	for _, tt := range tests {
		bucket, key, err := splitBucketURI(tt.uri)
		if err != nil {
			t.Fatalf("splitBucketURI(%q): %v", tt.uri, err)
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("splitBucketURI(%q) = (%q, %q), want (%q, %q)", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}

	if _, _, err := splitBucketURI("plain/path"); err == nil {
		t.Error("expected error for non-URI path")
	}
}

func TestOpenLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.parquet")
	writeNtuple(t, path, 7)

	h, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.Size() <= 0 {
		t.Fatalf("size = %d, want > 0", h.Size())
	}

	pf, err := parquet.OpenFile(h, h.Size())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if got := pf.NumRows(); got != 7 {
		t.Errorf("rows = %d, want 7", got)
	}
}
