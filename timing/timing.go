// Package timing drives the duration-bounded test window: a wall-clock alarm
// that flips a write-once finished flag, plus start/end time capture into the
// statistics block.
//
// The end times are captured by whoever first marks the run finished — the
// alarm goroutine or the measurement loop itself (on EOF or message cap) —
// so a loop stuck in a syscall when the alarm fires does not stretch the
// measured interval.
package timing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qbench/qbench-go/cpustat"
	"github.com/qbench/qbench-go/stats"
)

// Run times a single test. Create one per test; a Run is not reusable.
type Run struct {
	finished atomic.Bool
	endOnce  sync.Once
	alarm    *time.Timer
	stat     *stats.Stat
	sampler  *cpustat.Sampler
}

// New returns a Run recording into st. The sampler may be nil, in which case
// only wall-clock time is captured.
func New(st *stats.Stat, sampler *cpustat.Sampler) *Run {
	return &Run{stat: st, sampler: sampler}
}

// Start captures the start times and arms the alarm. A zero duration means
// no alarm; the loop then ends on a message cap or peer close only.
func (r *Run) Start(seconds uint32) {
	r.sample(&r.stat.TimeS)
	if seconds == 0 {
		return
	}
	r.alarm = time.AfterFunc(time.Duration(seconds)*time.Second, r.Finish)
}

// Finish marks the run finished. The first call — from the alarm or from the
// measurement path — captures the end times; later calls are no-ops.
func (r *Run) Finish() {
	r.endOnce.Do(func() {
		r.sample(&r.stat.TimeE)
		r.finished.Store(true)
	})
}

// Finished reports whether the run is over. Measurement loops must check
// this immediately after every blocking call, before accounting the result.
func (r *Run) Finished() bool { return r.finished.Load() }

// Stop ends the run and disarms the alarm.
func (r *Run) Stop() {
	r.Finish()
	if r.alarm != nil {
		r.alarm.Stop()
	}
}

func (r *Run) sample(dst *[stats.TimeN]uint64) {
	dst[stats.TReal] = nowTicks()
	if r.sampler == nil {
		return
	}
	t, err := r.sampler.Sample()
	if err != nil {
		return
	}
	for i := range t {
		dst[stats.TUser+i] = t[i]
	}
}

func nowTicks() uint64 {
	ns := time.Now().UnixNano()
	return uint64(ns) / (1e9 / cpustat.TicksPerSecond)
}
