// Package partition maps a requested event budget onto batch job assignments.
//
// The catalog is treated as a virtual concatenation of per-file row ranges.
// Plan and Assign are pure functions of their arguments: re-running job index
// N always reproduces the same input window, which is what makes external
// retries safe.
package partition

import (
	"errors"
	"fmt"

	"github.com/hgcal-tpg/tpg-analyzer/internal/catalog"
)

// ErrBadJobIndex is returned for a negative job index.
var ErrBadJobIndex = errors.New("job index must be >= 0")

// EventRange is a half-open range [Start, End) of global event indices.
type EventRange struct {
	Start int64
	End   int64
}

// Len returns the number of events in the range.
func (r EventRange) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Assignment is the unit of work for one batch job instance: the minimal
// ordered subset of catalog files covering the job's event window, with the
// local offset into the first file and the local stop point in the last.
type Assignment struct {
	Files       []catalog.FileRowCount
	FirstOffset int64 // local row offset into Files[0]
	LastStop    int64 // local stop row (exclusive) in Files[len-1]
	Range       EventRange
}

// Empty reports whether the job has nothing to do. This is legitimate when
// the requested window starts beyond the catalog's total rows; callers warn,
// they do not fail.
func (a Assignment) Empty() bool {
	return len(a.Files) == 0
}

// totalToUse resolves the event budget: -1 or anything past the catalog end
// still counts as requested, the window mapping clamps to what exists.
func totalToUse(cat catalog.Catalog, totalEvents int64) int64 {
	if totalEvents < 0 {
		return cat.TotalRows()
	}
	return totalEvents
}

// Plan returns the number of jobs needed to process totalEvents at
// eventsPerJob events each. eventsPerJob == -1 means one job takes
// everything. The floor is 1 job even when the division rounds to zero.
func Plan(cat catalog.Catalog, totalEvents, eventsPerJob int64) int {
	toUse := totalToUse(cat, totalEvents)
	if eventsPerJob <= 0 {
		return 1
	}

	n := int((toUse + eventsPerJob - 1) / eventsPerJob)
	if n < 1 {
		n = 1
	}
	return n
}

// Assign computes the assignment for one job index. The absolute window is
// [jobIndex*eventsPerJob, min((jobIndex+1)*eventsPerJob, totalToUse)),
// mapped onto the concatenated per-file row counts.
func Assign(cat catalog.Catalog, totalEvents, eventsPerJob int64, jobIndex int) (Assignment, error) {
	if jobIndex < 0 {
		return Assignment{}, fmt.Errorf("%w: %d", ErrBadJobIndex, jobIndex)
	}

	toUse := totalToUse(cat, totalEvents)

	var start, end int64
	if eventsPerJob <= 0 {
		start, end = 0, toUse
	} else {
		start = int64(jobIndex) * eventsPerJob
		end = start + eventsPerJob
		if end > toUse {
			end = toUse
		}
	}

	// The catalog may hold fewer rows than requested; clamp to what exists.
	avail := cat.TotalRows()
	if end > avail {
		end = avail
	}
	if start >= end {
		// Window starts beyond the catalog: nothing to do for this job.
		return Assignment{Range: EventRange{Start: start, End: start}}, nil
	}

	a := Assignment{Range: EventRange{Start: start, End: end}}

	var cum int64
	for _, f := range cat {
		fileStart := cum
		fileEnd := cum + f.Rows
		cum = fileEnd

		if fileEnd <= start {
			continue
		}
		if fileStart >= end {
			break
		}

		if len(a.Files) == 0 {
			a.FirstOffset = start - fileStart
		}
		a.Files = append(a.Files, f)
		a.LastStop = min64(end-fileStart, f.Rows)
	}

	return a, nil
}

// Shortfall returns how many requested events the catalog cannot supply.
// Zero means the request is fully covered.
func Shortfall(cat catalog.Catalog, totalEvents int64) int64 {
	if totalEvents < 0 {
		return 0
	}
	if d := totalEvents - cat.TotalRows(); d > 0 {
		return d
	}
	return 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
