package transport

import (
	"sync"
	"time"
)

const budgetDayFormat = "2006-01-02"

// infoBudget tracks per-day usage of the low-priority info channel. Samples
// queued past the daily limit are held back and drained once the UTC day
// rolls over, so queuing always succeeds.
//
// Only the usage counter is persisted; held samples live in memory and are
// lost on restart. The channel is best-effort progress telemetry that the
// next state push supersedes, so stale samples are not worth replaying.
type infoBudget struct {
	mu       sync.Mutex
	limit    int
	day      string
	used     int
	deferred []ProgressInfo
}

func newInfoBudget(limit int) *infoBudget {
	return &infoBudget{limit: limit}
}

// restore seeds the counter from persisted state.
func (b *infoBudget) restore(day string, used int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.day = day
	b.used = used
}

// snapshot returns the current day and usage for persistence.
func (b *infoBudget) snapshot() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.day, b.used
}

// consume reports whether one more delivery fits today's budget, counting it
// if so. A non-positive limit disables budgeting entirely.
func (b *infoBudget) consume(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollLocked(now)

	if b.limit <= 0 {
		return true
	}
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// hold parks a sample for delivery after the budget window resets.
func (b *infoBudget) hold(info ProgressInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred = append(b.deferred, info)
}

// drain returns any held samples that can be delivered now, consuming budget
// for each. Samples that still do not fit stay held.
func (b *infoBudget) drain(now time.Time) []ProgressInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollLocked(now)

	if len(b.deferred) == 0 {
		return nil
	}

	var ready []ProgressInfo
	for len(b.deferred) > 0 {
		if b.limit > 0 && b.used >= b.limit {
			break
		}
		ready = append(ready, b.deferred[0])
		b.deferred = b.deferred[1:]
		b.used++
	}
	return ready
}

func (b *infoBudget) rollLocked(now time.Time) {
	day := now.UTC().Format(budgetDayFormat)
	if day != b.day {
		b.day = day
		b.used = 0
	}
}
