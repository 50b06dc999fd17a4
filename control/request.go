package control

import (
	"errors"
	"fmt"

	"github.com/qbench/qbench-go/wire"
)

// Protocol version. VerMaj changes when the Request layout changes
// incompatibly, VerMin when fields are appended at the end, VerInc for
// everything else. Receivers refuse a different VerMaj and tolerate minor
// drift by ignoring trailing unknown bytes.
const (
	VerMaj = 0
	VerMin = 4
	VerInc = 11
)

// StrSize is the fixed wire length of every string parameter.
const StrSize = 64

// Request carries the negotiated parameters for one test. The client ships
// one Request describing the server's view; every uint32 field doubles as
// parameter-table storage.
type Request struct {
	VerMaj    uint16
	VerMin    uint16
	VerInc    uint16
	TestIndex uint16

	// Parameters, in wire order.
	AccessRecv  uint32 // touch data after receiving
	Affinity    uint32 // processor affinity (1-based; 0 = unset)
	AltPort     uint32 // alternate IB port
	Flip        uint32 // flip local/remote node functions
	MsgSize     uint32
	MTUSize     uint32
	NoMsgs      uint32 // message cap; 0 = duration-bounded
	PollMode    uint32 // spin-poll the CQ instead of channel events
	Port        uint32 // requested data port; 0 = ephemeral
	RdAtomic    uint32 // outstanding RDMA reads / atomics
	SockBufSize uint32
	Time        uint32 // duration in seconds
	Timeout     uint32 // per-operation timeout in seconds

	ID   string // RDMA device, "device[:port]"
	Rate string // static rate
}

// RequestWireSize is the encoded length of a Request.
const RequestWireSize = 4*2 + 13*4 + 2*StrSize

// versionWireSize covers the three version fields alone; the server reads
// and validates them before committing to the rest of the request.
const versionWireSize = 3 * 2

var ErrVersionMismatch = errors.New("control: protocol major version mismatch")

// Encode appends the wire form of r.
func (r *Request) Encode(e *wire.Encoder) {
	e.Uint(uint64(r.VerMaj), 2)
	e.Uint(uint64(r.VerMin), 2)
	e.Uint(uint64(r.VerInc), 2)
	e.Uint(uint64(r.TestIndex), 2)
	for _, v := range r.params() {
		e.Uint(uint64(*v), 4)
	}
	e.Str(r.ID, StrSize)
	e.Str(r.Rate, StrSize)
}

// Decode reads the wire form of r. Trailing bytes are left unread.
func (r *Request) Decode(d *wire.Decoder) error {
	r.VerMaj = uint16(d.Uint(2))
	r.VerMin = uint16(d.Uint(2))
	r.VerInc = uint16(d.Uint(2))
	r.TestIndex = uint16(d.Uint(2))
	for _, v := range r.params() {
		*v = uint32(d.Uint(4))
	}
	r.ID = d.Str(StrSize)
	r.Rate = d.Str(StrSize)
	return d.Err()
}

// params lists the uint32 fields in wire order.
func (r *Request) params() [13]*uint32 {
	return [13]*uint32{
		&r.AccessRecv, &r.Affinity, &r.AltPort, &r.Flip,
		&r.MsgSize, &r.MTUSize, &r.NoMsgs, &r.PollMode,
		&r.Port, &r.RdAtomic, &r.SockBufSize, &r.Time, &r.Timeout,
	}
}

// CheckVersion validates the peer's version against ours.
func (r *Request) CheckVersion() error {
	if r.VerMaj != VerMaj {
		return fmt.Errorf("%w: peer %d.%d.%d, local %d.%d.%d",
			ErrVersionMismatch, r.VerMaj, r.VerMin, r.VerInc,
			VerMaj, VerMin, VerInc)
	}
	return nil
}

// Conf describes one endpoint for the conf test.
type Conf struct {
	Node    string
	CPU     string
	OS      string
	Version string
}

// ConfWireSize is the encoded length of a Conf.
const ConfWireSize = 4 * StrSize

// Encode appends the wire form of c.
func (c *Conf) Encode(e *wire.Encoder) {
	e.Str(c.Node, StrSize)
	e.Str(c.CPU, StrSize)
	e.Str(c.OS, StrSize)
	e.Str(c.Version, StrSize)
}

// Decode reads the wire form of c.
func (c *Conf) Decode(d *wire.Decoder) error {
	c.Node = d.Str(StrSize)
	c.CPU = d.Str(StrSize)
	c.OS = d.Str(StrSize)
	c.Version = d.Str(StrSize)
	return d.Err()
}
