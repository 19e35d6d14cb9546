// Package timebudget tracks elapsed wall-clock time against the time
// allowance of an HTCondor job flavor, so a job can stop before the
// scheduler kills it.
package timebudget

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFlavor is returned for a job flavor with no configured allowance.
var ErrUnknownFlavor = errors.New("unknown job flavor")

// DefaultAllowances is the standard HTCondor job-flavor wall-clock table.
func DefaultAllowances() map[string]time.Duration {
	return map[string]time.Duration{
		"espresso":     20 * time.Minute,
		"microcentury": time.Hour,
		"longlunch":    2 * time.Hour,
		"workday":      8 * time.Hour,
		"tomorrow":     24 * time.Hour,
		"testmatch":    3 * 24 * time.Hour,
		"nextweek":     7 * 24 * time.Hour,
	}
}

// Budget tracks elapsed time against per-flavor allowances. The only mutable
// state is the start timestamp, set once; everything else is read-only after
// construction. Budgets are values passed to the driver, not process globals.
type Budget struct {
	allowances map[string]time.Duration
	start      time.Time
	now        func() time.Time
}

// New creates a budget with the given allowances. A nil map gets the
// defaults.
func New(allowances map[string]time.Duration) *Budget {
	if allowances == nil {
		allowances = DefaultAllowances()
	}
	return &Budget{
		allowances: allowances,
		now:        time.Now,
	}
}

// NewWithClock creates a budget with an injected clock, for tests.
func NewWithClock(allowances map[string]time.Duration, now func() time.Time) *Budget {
	b := New(allowances)
	b.now = now
	return b
}

// Start records the start timestamp. A second call is a no-op.
func (b *Budget) Start() {
	if b.start.IsZero() {
		b.start = b.now()
	}
}

// Started reports whether the clock has been started.
func (b *Budget) Started() bool {
	return !b.start.IsZero()
}

// Elapsed returns the wall-clock time since Start.
func (b *Budget) Elapsed() time.Duration {
	if b.start.IsZero() {
		return 0
	}
	return b.now().Sub(b.start)
}

// Remaining returns the allowance left for the flavor.
func (b *Budget) Remaining(flavor string) (time.Duration, error) {
	allowance, ok := b.allowances[flavor]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFlavor, flavor)
	}
	return allowance - b.Elapsed(), nil
}

// ShouldStop reports whether the remaining allowance has dropped below the
// safety margin. It is false exactly at remaining == margin.
func (b *Budget) ShouldStop(flavor string, margin time.Duration) (bool, error) {
	remaining, err := b.Remaining(flavor)
	if err != nil {
		return false, err
	}
	return remaining < margin, nil
}

// FractionUsed returns the consumed fraction of the flavor's allowance,
// for sizing diagnostics at job end.
func (b *Budget) FractionUsed(flavor string) (float64, error) {
	allowance, ok := b.allowances[flavor]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFlavor, flavor)
	}
	return b.Elapsed().Seconds() / allowance.Seconds(), nil
}

// EventCapacity estimates how many events fit in each flavor given a
// per-event cost, for the end-of-run summary.
func (b *Budget) EventCapacity(secondsPerEvent float64) map[string]int64 {
	if secondsPerEvent <= 0 {
		return nil
	}
	out := make(map[string]int64, len(b.allowances))
	for flavor, allowance := range b.allowances {
		out[flavor] = int64(allowance.Seconds() / secondsPerEvent)
	}
	return out
}
