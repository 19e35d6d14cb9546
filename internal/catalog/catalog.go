// Package catalog discovers ntuple input files and their row counts.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/hgcal-tpg/tpg-analyzer/internal/logging"
)

var (
	// ErrNoInputFiles is returned when discovery finds no usable files.
	ErrNoInputFiles = errors.New("no usable input files found")

	// ErrTreeMissing is returned when a file does not contain the requested tree.
	ErrTreeMissing = errors.New("tree not found in file")
)

// InputFile identifies a physical ntuple file. Immutable once discovered.
type InputFile struct {
	Path     string // local path or protocol-prefixed URI
	TreePath string // dotted or slash-separated tree location
}

// FileRowCount pairs an input file with its row count read at discovery time.
type FileRowCount struct {
	File InputFile
	Rows int64
}

// Catalog is an ordered sequence of discovered files. Ordering is
// lexicographic by path so repeated discovery is reproducible.
type Catalog []FileRowCount

// TotalRows returns the number of rows available across the catalog.
func (c Catalog) TotalRows() int64 {
	var total int64
	for _, f := range c {
		total += f.Rows
	}
	return total
}

// Discover enumerates ntuple files under inputDir and reads their row counts
// from the parquet footers. Files missing the tree or failing to open are
// skipped with a warning; an empty result is an error. Only footer metadata
// is read, no payload pages.
func Discover(ctx context.Context, inputDir, treePath string) (Catalog, error) {
	log := logging.Component("catalog")

	paths, err := listFiles(ctx, inputDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", inputDir, err)
	}
	sort.Strings(paths)

	var cat Catalog
	for _, p := range paths {
		rows, err := rowCount(ctx, p, treePath)
		if err != nil {
			log.Warn("skipping input file", "path", p, "error", err)
			continue
		}
		if rows == 0 {
			log.Warn("skipping empty input file", "path", p)
			continue
		}
		cat = append(cat, FileRowCount{
			File: InputFile{Path: p, TreePath: treePath},
			Rows: rows,
		})
	}

	if len(cat) == 0 {
		return nil, fmt.Errorf("%w: dir=%s tree=%s", ErrNoInputFiles, inputDir, treePath)
	}

	log.Info("catalog discovered",
		"dir", inputDir,
		"files", len(cat),
		"rows", cat.TotalRows(),
	)
	return cat, nil
}

// listFiles enumerates candidate ntuple files under a local directory or a
// bucket URI.
func listFiles(ctx context.Context, inputDir string) ([]string, error) {
	if isBucketURI(inputDir) {
		return listBucket(ctx, inputDir)
	}

	dir := strings.TrimPrefix(inputDir, "file://")
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsNtupleFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}

// rowCount opens a file just long enough to read the footer row count and
// verify the tree is present.
func rowCount(ctx context.Context, path, treePath string) (int64, error) {
	h, err := Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	f, err := parquet.OpenFile(h, h.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}

	if !HasTree(f.Schema(), treePath) {
		return 0, fmt.Errorf("%w: %s in %s", ErrTreeMissing, treePath, path)
	}

	return f.NumRows(), nil
}

// HasTree reports whether the schema contains the given tree path.
// Elements may be separated by "/" or "."; the first element may name the
// schema root itself.
func HasTree(schema *parquet.Schema, treePath string) bool {
	elems := splitTreePath(treePath)
	if len(elems) == 0 {
		return false
	}

	if schema.Name() == elems[0] {
		elems = elems[1:]
		if len(elems) == 0 {
			return true
		}
	}

	fields := schema.Fields()
	for _, elem := range elems {
		var next parquet.Field
		for _, f := range fields {
			if f.Name() == elem {
				next = f
				break
			}
		}
		if next == nil {
			return false
		}
		fields = next.Fields()
	}
	return true
}

func splitTreePath(treePath string) []string {
	sep := func(r rune) bool { return r == '/' || r == '.' }
	return strings.FieldsFunc(treePath, sep)
}

// IsNtupleFile checks if a path looks like an ntuple file.
func IsNtupleFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".parquet")
}
