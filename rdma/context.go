package rdma

import "github.com/qbench/qbench-go/wire"

// Context is the connection context each side publishes once per test:
// enough for the peer to address this queue pair and its pinned buffer.
type Context struct {
	LID   uint32
	QPN   uint32
	PSN   uint32
	RKey  uint32
	VAddr uint64
}

// ContextWireSize is the encoded length of a Context.
const ContextWireSize = 4*4 + 8

// Encode appends the wire form of c.
func (c *Context) Encode(e *wire.Encoder) {
	e.Uint(uint64(c.LID), 4)
	e.Uint(uint64(c.QPN), 4)
	e.Uint(uint64(c.PSN), 4)
	e.Uint(uint64(c.RKey), 4)
	e.Uint(c.VAddr, 8)
}

// Decode reads the wire form of c.
func (c *Context) Decode(d *wire.Decoder) error {
	c.LID = uint32(d.Uint(4))
	c.QPN = uint32(d.Uint(4))
	c.PSN = uint32(d.Uint(4))
	c.RKey = uint32(d.Uint(4))
	c.VAddr = d.Uint(8)
	return d.Err()
}
