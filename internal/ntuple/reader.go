// Package ntuple reads events from the ntuple files of a job assignment.
//
// The Reader bridges a global event counter across possibly many physical
// files and the local row index within the currently open file. Files are
// opened lazily and exactly one file is open at a time.
package ntuple

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/parquet-go/parquet-go"

	"github.com/hgcal-tpg/tpg-analyzer/internal/catalog"
	"github.com/hgcal-tpg/tpg-analyzer/internal/logging"
	"github.com/hgcal-tpg/tpg-analyzer/internal/metrics"
	"github.com/hgcal-tpg/tpg-analyzer/internal/partition"
)

// readBatch is how many rows are decoded per ReadRows call.
const readBatch = 64

// Reader advances event by event through a job assignment, enforcing the
// assignment's global event window exactly. A file listed in the assignment
// that cannot be opened or lacks the tree is a hard error: the assignment
// was already validated against the catalog at discovery time.
type Reader struct {
	ctx    context.Context
	log    *slog.Logger
	labels metrics.Labels

	assignment partition.Assignment
	capN       int64 // events to yield, from the assignment window

	fileIdx int // ordinal of the next file to open
	cur     *openFile

	ev    Event
	total int64 // events yielded so far
	err   error
}

// NewReader creates a reader. SetSource must be called before Next.
func NewReader(ctx context.Context, labels metrics.Labels) *Reader {
	return &Reader{
		ctx:    ctx,
		log:    logging.Component("reader"),
		labels: labels,
	}
}

// SetSource resets the reader onto a job assignment.
func (r *Reader) SetSource(a partition.Assignment) {
	r.reset()
	r.assignment = a
	r.capN = a.Range.Len()
}

func (r *Reader) reset() {
	if r.cur != nil {
		r.cur.close()
		r.cur = nil
	}
	r.fileIdx = 0
	r.total = 0
	r.err = nil
	r.ev = Event{}
}

// Next advances exactly one event. It returns false exactly when the global
// cap has been reached, no further files remain with unread rows, or an
// error occurred (check Err). File boundary crossings are transparent.
func (r *Reader) Next() bool {
	if r.err != nil || r.total >= r.capN {
		return false
	}

	for {
		if r.cur == nil {
			if r.fileIdx >= len(r.assignment.Files) {
				return false
			}
			if err := r.openNext(); err != nil {
				r.err = err
				return false
			}
		}

		row, local, ok, err := r.cur.next()
		if err != nil {
			r.err = fmt.Errorf("read %s row %d: %w", r.cur.path, r.cur.local, err)
			return false
		}
		if !ok {
			r.cur.close()
			r.cur = nil
			continue
		}

		r.ev = Event{
			row:    row,
			cols:   r.cur.cols,
			file:   r.cur.path,
			local:  local,
			global: r.total,
		}
		r.total++
		return true
	}
}

// Event returns the current event handle. It is valid only immediately
// after a true-returning Next; the next call invalidates it.
func (r *Reader) Event() *Event { return &r.ev }

// Err returns the error that terminated iteration, if any.
func (r *Reader) Err() error { return r.err }

// Total returns the number of events yielded so far.
func (r *Reader) Total() int64 { return r.total }

// Position describes the current cursor position for diagnostics.
func (r *Reader) Position() string {
	if r.total == 0 {
		return "before first event"
	}
	return fmt.Sprintf("file=%s local_entry=%d global_entry=%d", r.ev.file, r.ev.local, r.ev.global)
}

// openNext closes nothing (the caller already did) and opens the next file
// of the assignment, positioned at its first assigned row.
func (r *Reader) openNext() error {
	frc := r.assignment.Files[r.fileIdx]

	offset := int64(0)
	if r.fileIdx == 0 {
		offset = r.assignment.FirstOffset
	}
	stop := frc.Rows
	if r.fileIdx == len(r.assignment.Files)-1 {
		stop = r.assignment.LastStop
	}

	of, err := openNtupleFile(r.ctx, frc.File, offset, stop)
	if err != nil {
		return fmt.Errorf("open assigned file %s: %w", frc.File.Path, err)
	}

	r.log.Debug("opened input file",
		"path", frc.File.Path,
		"offset", offset,
		"stop", stop,
	)
	if m := metrics.Get(); m != nil {
		m.IncFilesOpened(r.labels)
	}

	r.cur = of
	r.fileIdx++
	return nil
}

// openFile is the state of the single currently open ntuple file.
type openFile struct {
	path   string
	handle catalog.Handle
	groups []parquet.RowGroup
	gi     int
	rows   parquet.Rows
	cols   *columnIndex

	buf    []parquet.Row
	bi, bn int

	local int64 // local row index of the next row to yield
	stop  int64 // exclusive local stop row
}

func openNtupleFile(ctx context.Context, in catalog.InputFile, offset, stop int64) (*openFile, error) {
	h, err := catalog.Open(ctx, in.Path)
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(h, h.Size())
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	if !catalog.HasTree(pf.Schema(), in.TreePath) {
		h.Close()
		return nil, fmt.Errorf("%w: %s", catalog.ErrTreeMissing, in.TreePath)
	}

	of := &openFile{
		path:   in.Path,
		handle: h,
		groups: pf.RowGroups(),
		cols:   newColumnIndex(pf.Schema()),
		buf:    make([]parquet.Row, readBatch),
		stop:   stop,
	}

	if err := of.seek(offset); err != nil {
		of.close()
		return nil, err
	}
	return of, nil
}

// seek positions the cursor at the given local row, skipping whole row
// groups where possible.
func (of *openFile) seek(offset int64) error {
	of.local = offset

	skipped := int64(0)
	for of.gi < len(of.groups) {
		n := of.groups[of.gi].NumRows()
		if skipped+n > offset {
			break
		}
		skipped += n
		of.gi++
	}
	if of.gi >= len(of.groups) {
		return nil // nothing left; next() reports exhaustion
	}

	of.rows = of.groups[of.gi].Rows()
	if rem := offset - skipped; rem > 0 {
		if err := of.rows.SeekToRow(rem); err != nil {
			return fmt.Errorf("seek to row %d: %w", rem, err)
		}
	}
	return nil
}

// next yields the next row and its local index, or ok=false when the file's
// assigned rows are exhausted.
func (of *openFile) next() (parquet.Row, int64, bool, error) {
	if of.local >= of.stop {
		return nil, 0, false, nil
	}

	for of.bi >= of.bn {
		if of.rows == nil {
			of.gi++
			if of.gi >= len(of.groups) {
				return nil, 0, false, nil
			}
			of.rows = of.groups[of.gi].Rows()
		}

		n, err := of.rows.ReadRows(of.buf)
		if n == 0 {
			if err != nil && err != io.EOF {
				return nil, 0, false, err
			}
			of.rows.Close()
			of.rows = nil
			continue
		}
		of.bi, of.bn = 0, n
	}

	row := of.buf[of.bi]
	of.bi++
	local := of.local
	of.local++
	return row, local, true, nil
}

func (of *openFile) close() {
	if of.rows != nil {
		of.rows.Close()
		of.rows = nil
	}
	if of.handle != nil {
		of.handle.Close()
		of.handle = nil
	}
}

// Close releases the currently open file, if any.
func (r *Reader) Close() error {
	if r.cur != nil {
		r.cur.close()
		r.cur = nil
	}
	return nil
}
