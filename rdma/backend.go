package rdma

import "errors"

// Backend enumerates and opens verbs devices. DefaultBackend returns the
// hardware backend when the binary is built with the ibverbs tag and the
// in-process simulated fabric otherwise.
type Backend interface {
	// Devices lists the device names, first-preferred.
	Devices() ([]string, error)
	// OpenDevice opens a device by name; an empty name opens the first.
	OpenDevice(name string) (Dev, error)
}

// Dev is an open device context.
type Dev interface {
	AllocPD() (PD, error)
	CreateCompChannel() (CompChannel, error)
	CreateCQ(ch CompChannel, depth int) (CQ, error)
	// MaxQPRdAtom is the device limit on outstanding RDMA reads and
	// atomics per queue pair.
	MaxQPRdAtom() (int, error)
	// PortLID returns the local identifier of the given port (1-based).
	PortLID(port int) (uint32, error)
	Close() error
}

// CompChannel is a completion event channel.
type CompChannel interface {
	Close() error
}

// PD is a protection domain.
type PD interface {
	RegMR(buf []byte, access int) (MR, error)
	CreateQP(cq CQ, trans Transport, maxSendWR, maxRecvWR int) (QP, error)
	CreateAH(lid uint32, port int, rate Rate) (AH, error)
	Close() error
}

// MR is a registered memory region.
type MR interface {
	LKey() uint32
	RKey() uint32
	Close() error
}

// AH is the cached addressing state for UD sends.
type AH interface {
	Close() error
}

// CQ is a completion queue.
type CQ interface {
	// Poll harvests up to len(wc) completions without blocking.
	Poll(wc []Completion) (int, error)
	// RequestNotify arms the next completion event.
	RequestNotify() error
	// WaitEvent blocks until an armed completion event fires. finished
	// cancels the wait with ErrFinished, mirroring an alarm-interrupted
	// ibv_get_cq_event.
	WaitEvent(finished func() bool) error
	Close() error
}

// InitAttr carries the RESET→INIT transition attributes.
type InitAttr struct {
	Port   int
	Access int    // RC/UC access flags
	QKey   uint32 // UD only
}

// RTRAttr carries the INIT→RTR transition attributes. The queue pair's
// transport decides which subset applies.
type RTRAttr struct {
	MTU             MTU
	DestQPN         uint32
	RQPSN           uint32
	DestLID         uint32
	Port            int
	Rate            Rate
	MaxDestRdAtomic int
	MinRNRTimer     int
}

// RTSAttr carries the RTR→RTS transition attributes.
type RTSAttr struct {
	SQPSN       uint32
	Timeout     int
	RetryCnt    int
	RNRRetry    int
	MaxRdAtomic int
}

// SendWR is a send-queue work request: a send, an RDMA read or write, or
// an atomic.
type SendWR struct {
	ID     uint64
	Op     Opcode
	Buf    []byte // local segment
	LKey   uint32
	Inline bool

	// RDMA and atomic targets.
	RemoteAddr uint64
	RKey       uint32

	// Atomic operands.
	Compare uint64
	Swap    uint64
	Add     uint64

	// UD addressing.
	AH         AH
	RemoteQPN  uint32
	RemoteQKey uint32
}

// RecvWR is a receive-queue work request.
type RecvWR struct {
	ID   uint64
	Buf  []byte
	LKey uint32
}

// QP is a queue pair.
type QP interface {
	Num() uint32
	MaxInline() int
	ToInit(attr *InitAttr) error
	ToRTR(attr *RTRAttr) error
	ToRTS(attr *RTSAttr) error
	PostSend(wr *SendWR) error
	PostRecv(wr *RecvWR) error
	Close() error
}

var (
	ErrFinished     = errors.New("rdma: test finished")
	ErrNoDevice     = errors.New("rdma: no device found")
	ErrUnknownRate  = errors.New("rdma: unknown rate")
	ErrBadPort      = errors.New("rdma: port must be at least 1")
	ErrRemoteAccess = errors.New("rdma: remote access out of registered region")
)
