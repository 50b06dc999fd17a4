// Package stats holds the measurement counters each side keeps during a test
// and their wire form for the statistics exchange.
package stats

import (
	"github.com/qbench/qbench-go/cpustat"
	"github.com/qbench/qbench-go/wire"
)

// Time sample indices. Real is wall-clock; the rest mirror /proc/stat.
const (
	TReal = iota
	TUser
	TNice
	TKernel
	TIdle
	TIOWait
	TIRQ
	TSoftIRQ
	TSteal
	TimeN
)

// Counters is one (bytes, messages, errors) triple. All counters are
// monotonic within a test run and updated only by the owning side.
type Counters struct {
	Bytes uint64
	Msgs  uint64
	Errs  uint64
}

// Add folds the peer-observed counters into c.
func (c *Counters) Add(o Counters) {
	c.Bytes += o.Bytes
	c.Msgs += o.Msgs
	c.Errs += o.Errs
}

// Stat is the full per-side statistics block exchanged at the end of a test.
// S and R are what this side sent and received itself; RemS and RemR are
// transfers this side observed the peer perform without the peer seeing a
// completion (RDMA reads and atomics pulled out of the passive side).
type Stat struct {
	NoCPUs  uint32
	NoTicks uint32
	MaxCQEs uint32
	TimeS   [TimeN]uint64
	TimeE   [TimeN]uint64
	S       Counters
	R       Counters
	RemS    Counters
	RemR    Counters
}

// WireSize is the encoded length of a Stat.
const WireSize = 3*4 + 2*TimeN*8 + 4*3*8

// New returns a Stat initialized with the host processor description.
func New() *Stat {
	return &Stat{
		NoCPUs:  uint32(cpustat.NumCPUs()),
		NoTicks: cpustat.TicksPerSecond,
	}
}

// NoteCQEs tracks the completion-queue depth high-water mark.
func (s *Stat) NoteCQEs(n int) {
	if uint32(n) > s.MaxCQEs {
		s.MaxCQEs = uint32(n)
	}
}

// Encode appends the wire form of s.
func (s *Stat) Encode(e *wire.Encoder) {
	e.Uint(uint64(s.NoCPUs), 4)
	e.Uint(uint64(s.NoTicks), 4)
	e.Uint(uint64(s.MaxCQEs), 4)
	for _, t := range s.TimeS {
		e.Uint(t, 8)
	}
	for _, t := range s.TimeE {
		e.Uint(t, 8)
	}
	encCounters(e, s.S)
	encCounters(e, s.R)
	encCounters(e, s.RemS)
	encCounters(e, s.RemR)
}

// Decode reads the wire form of s.
func (s *Stat) Decode(d *wire.Decoder) error {
	s.NoCPUs = uint32(d.Uint(4))
	s.NoTicks = uint32(d.Uint(4))
	s.MaxCQEs = uint32(d.Uint(4))
	for i := range s.TimeS {
		s.TimeS[i] = d.Uint(8)
	}
	for i := range s.TimeE {
		s.TimeE[i] = d.Uint(8)
	}
	s.S = decCounters(d)
	s.R = decCounters(d)
	s.RemS = decCounters(d)
	s.RemR = decCounters(d)
	return d.Err()
}

func encCounters(e *wire.Encoder, c Counters) {
	e.Uint(c.Bytes, 8)
	e.Uint(c.Msgs, 8)
	e.Uint(c.Errs, 8)
}

func decCounters(d *wire.Decoder) Counters {
	return Counters{
		Bytes: d.Uint(8),
		Msgs:  d.Uint(8),
		Errs:  d.Uint(8),
	}
}

// Merge folds each side's remote-observed counters into the other side's own
// counters, after which local and remote describe the same transfers.
func Merge(local, remote *Stat) {
	local.S.Add(remote.RemS)
	local.R.Add(remote.RemR)
	remote.S.Add(local.RemS)
	remote.R.Add(local.RemR)
}

// RealSeconds returns the elapsed wall-clock time of the run in seconds.
func (s *Stat) RealSeconds() float64 {
	if s.NoTicks == 0 {
		return 0
	}
	return float64(s.TimeE[TReal]-s.TimeS[TReal]) / float64(s.NoTicks)
}

// CPUSeconds returns the CPU time consumed during the run in seconds,
// summed over every sample except wall-clock and idle.
func (s *Stat) CPUSeconds() float64 {
	if s.NoTicks == 0 {
		return 0
	}
	var ticks uint64
	for i := 0; i < TimeN; i++ {
		if i == TReal || i == TIdle {
			continue
		}
		ticks += s.TimeE[i] - s.TimeS[i]
	}
	return float64(ticks) / float64(s.NoTicks)
}
