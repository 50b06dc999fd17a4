//go:build !ibverbs

package rdma

import "sync"

var (
	defaultOnce sync.Once
	defaultSim  *SimBackend
)

// DefaultBackend returns the process-wide simulated fabric. Builds without
// the ibverbs tag cannot reach hardware; endpoints running in the same
// process still connect to each other, which is what the test suite uses.
func DefaultBackend() Backend {
	defaultOnce.Do(func() { defaultSim = NewSimBackend() })
	return defaultSim
}
