//go:build ibverbs

package rdma

// DefaultBackend returns the libibverbs hardware backend.
func DefaultBackend() Backend {
	return NewVerbsBackend()
}
