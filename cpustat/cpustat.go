// Package cpustat samples the aggregate CPU counters from /proc/stat.
// Values are in USER_HZ ticks as reported by the kernel.
package cpustat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Counter identifies one field of the aggregate "cpu" line.
type Counter int

const (
	User Counter = iota
	Nice
	Kernel
	Idle
	IOWait
	IRQ
	SoftIRQ
	Steal

	NumCounters
)

func (c Counter) String() string {
	switch c {
	case User:
		return "user"
	case Nice:
		return "nice"
	case Kernel:
		return "kernel"
	case Idle:
		return "idle"
	case IOWait:
		return "iowait"
	case IRQ:
		return "irq"
	case SoftIRQ:
		return "softirq"
	case Steal:
		return "steal"
	}
	return ""
}

// TicksPerSecond is the kernel USER_HZ rate /proc/stat counters use.
const TicksPerSecond = 100

var ErrBadFormat = errors.New("cpustat: /proc/stat has unexpected format")

// Times holds one sample of all counters.
type Times [NumCounters]uint64

// Sampler reads /proc/stat. The file is opened once and kept; each Sample
// rewinds and rereads it.
type Sampler struct {
	f *os.File
}

// NewSampler opens /proc/stat.
func NewSampler() (*Sampler, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return nil, fmt.Errorf("opening /proc/stat: %w", err)
	}
	return &Sampler{f: f}, nil
}

// Close releases the underlying file.
func (s *Sampler) Close() error { return s.f.Close() }

// Sample reads the current aggregate CPU counters.
func (s *Sampler) Sample() (Times, error) {
	var t Times
	if _, err := s.f.Seek(0, 0); err != nil {
		return t, fmt.Errorf("seeking /proc/stat: %w", err)
	}
	buf := make([]byte, 4096)
	n, err := s.f.Read(buf)
	if err != nil {
		return t, fmt.Errorf("reading /proc/stat: %w", err)
	}
	return parse(buf[:n])
}

func parse(buf []byte) (Times, error) {
	var t Times
	sc := bufio.NewScanner(bytes.NewReader(buf))
	if !sc.Scan() {
		return t, ErrBadFormat
	}
	line := sc.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return t, ErrBadFormat
	}
	fields := strings.Fields(line)[1:]
	for i := range t {
		if i >= len(fields) {
			break // older kernels report fewer fields; missing ones stay 0
		}
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return t, fmt.Errorf("%w: %q", ErrBadFormat, fields[i])
		}
		t[i] = v
	}
	return t, nil
}

// Since returns t - old per counter.
func (t Times) Since(old Times) Times {
	var d Times
	for i := range t {
		d[i] = t[i] - old[i]
	}
	return d
}

// NumCPUs returns the number of online processors.
func NumCPUs() int { return runtime.NumCPU() }
