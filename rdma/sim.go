package rdma

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// SimBackend is an in-process verbs fabric. Queue pairs opened through the
// same backend can reach each other by queue-pair number, so a client and a
// server running in one process exercise the full connection lifecycle and
// every measurement loop without hardware. Delivery is synchronous: a
// posted send lands in the peer's receive buffer before PostSend returns,
// or parks until the peer posts a receive.
//
// The backend keeps an event trace of every allocation and release so
// tests can assert the teardown order the drivers must maintain.
type SimBackend struct {
	mu      sync.Mutex
	qps     map[uint32]*simQP
	mrs     map[uint32]*simMR // by rkey
	nextQPN uint32
	nextKey uint32
	nextLID uint32
	trace   []string
}

// NewSimBackend returns an empty simulated fabric.
func NewSimBackend() *SimBackend {
	return &SimBackend{
		qps:     make(map[uint32]*simQP),
		mrs:     make(map[uint32]*simMR),
		nextQPN: 0x100,
		nextKey: 0x1000,
	}
}

// Trace returns the allocation/release event log in order.
func (b *SimBackend) Trace() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.trace...)
}

func (b *SimBackend) event(ev string) {
	b.trace = append(b.trace, ev)
}

// Devices lists the simulated devices.
func (b *SimBackend) Devices() ([]string, error) {
	return []string{"sim0"}, nil
}

// OpenDevice opens a simulated device context.
func (b *SimBackend) OpenDevice(name string) (Dev, error) {
	if name != "" && name != "sim0" {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLID++
	b.event("alloc device")
	return &simDev{backend: b, lid: b.nextLID}, nil
}

// simMaxInline mirrors a typical HCA inline threshold.
const simMaxInline = 256

type simDev struct {
	backend *SimBackend
	lid     uint32
}

func (d *simDev) AllocPD() (PD, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.backend.event("alloc pd")
	return &simPD{dev: d}, nil
}

func (d *simDev) CreateCompChannel() (CompChannel, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.backend.event("alloc channel")
	return &simChannel{backend: d.backend}, nil
}

func (d *simDev) CreateCQ(ch CompChannel, depth int) (CQ, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.backend.event("alloc cq")
	return &simCQ{backend: d.backend, depth: depth, events: make(chan struct{}, 1)}, nil
}

func (d *simDev) MaxQPRdAtom() (int, error) { return 16, nil }

func (d *simDev) PortLID(port int) (uint32, error) {
	if port < 1 {
		return 0, ErrBadPort
	}
	return d.lid, nil
}

func (d *simDev) Close() error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.backend.event("free device")
	return nil
}

type simChannel struct {
	backend *SimBackend
}

func (c *simChannel) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.event("free channel")
	return nil
}

type simPD struct {
	dev *simDev
}

func (p *simPD) RegMR(buf []byte, access int) (MR, error) {
	b := p.dev.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextKey++
	mr := &simMR{
		backend: b,
		buf:     buf,
		base:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		key:     b.nextKey,
		access:  access,
	}
	b.mrs[mr.key] = mr
	b.event("alloc mr")
	return mr, nil
}

func (p *simPD) CreateQP(cq CQ, trans Transport, maxSendWR, maxRecvWR int) (QP, error) {
	b := p.dev.backend
	scq, ok := cq.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("rdma: CQ from a different backend")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextQPN++
	qp := &simQP{
		backend:   b,
		cq:        scq,
		trans:     trans,
		num:       b.nextQPN,
		maxInline: simMaxInline,
	}
	b.qps[qp.num] = qp
	b.event("alloc qp")
	return qp, nil
}

func (p *simPD) CreateAH(lid uint32, port int, rate Rate) (AH, error) {
	b := p.dev.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.event("alloc ah")
	return &simAH{backend: b, lid: lid}, nil
}

func (p *simPD) Close() error {
	b := p.dev.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.event("free pd")
	return nil
}

type simMR struct {
	backend *SimBackend
	buf     []byte
	base    uint64
	key     uint32
	access  int
}

func (m *simMR) LKey() uint32 { return m.key }
func (m *simMR) RKey() uint32 { return m.key }

func (m *simMR) Close() error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	delete(m.backend.mrs, m.key)
	m.backend.event("free mr")
	return nil
}

// slice resolves a remote address range inside the registered region.
func (m *simMR) slice(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.buf)) {
		return nil, ErrRemoteAccess
	}
	off := addr - m.base
	return m.buf[off : off+uint64(n)], nil
}

type simAH struct {
	backend *SimBackend
	lid     uint32
}

func (a *simAH) Close() error {
	a.backend.mu.Lock()
	defer a.backend.mu.Unlock()
	a.backend.event("free ah")
	return nil
}

type simCQ struct {
	backend *SimBackend
	depth   int
	queue   []Completion
	armed   bool
	events  chan struct{}
}

func (c *simCQ) push(wc Completion) {
	c.queue = append(c.queue, wc)
	if c.armed {
		c.armed = false
		select {
		case c.events <- struct{}{}:
		default:
		}
	}
}

func (c *simCQ) Poll(wc []Completion) (int, error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	n := min(len(wc), len(c.queue))
	copy(wc, c.queue[:n])
	c.queue = c.queue[n:]
	return n, nil
}

func (c *simCQ) RequestNotify() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if len(c.queue) > 0 {
		// Completions already pending fire the event immediately.
		select {
		case c.events <- struct{}{}:
		default:
		}
		return nil
	}
	c.armed = true
	return nil
}

func (c *simCQ) WaitEvent(finished func() bool) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.events:
			return nil
		case <-tick.C:
			if finished != nil && finished() {
				return ErrFinished
			}
		}
	}
}

const pollInterval = 100 * time.Millisecond

func (c *simCQ) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.event("free cq")
	return nil
}

type simQP struct {
	backend   *SimBackend
	cq        *simCQ
	trans     Transport
	num       uint32
	maxInline int

	state   string
	destQPN uint32
	recvQ   []RecvWR
	pending []delivery
}

// delivery is a send or RDMA-write-with-immediate parked until the target
// posts a receive. A nil payload means the data was already placed by an
// RDMA write and only the immediate signals, carrying immLen bytes.
type delivery struct {
	payload []byte
	immLen  int
	grh     bool
}

func (q *simQP) Num() uint32    { return q.num }
func (q *simQP) MaxInline() int { return q.maxInline }

func (q *simQP) ToInit(attr *InitAttr) error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	q.state = "INIT"
	return nil
}

func (q *simQP) ToRTR(attr *RTRAttr) error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	if q.state != "INIT" {
		return fmt.Errorf("rdma: RTR from state %s", q.state)
	}
	q.state = "RTR"
	if q.trans != UD {
		q.destQPN = attr.DestQPN
	}
	return nil
}

func (q *simQP) ToRTS(attr *RTSAttr) error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	if q.state != "RTR" {
		return fmt.Errorf("rdma: RTS from state %s", q.state)
	}
	q.state = "RTS"
	return nil
}

func (q *simQP) PostRecv(wr *RecvWR) error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	q.recvQ = append(q.recvQ, *wr)
	for len(q.pending) > 0 && len(q.recvQ) > 0 {
		d := q.pending[0]
		q.pending = q.pending[1:]
		q.deliver(d)
	}
	return nil
}

func (q *simQP) PostSend(wr *SendWR) error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	if q.state != "RTS" {
		return fmt.Errorf("rdma: send posted in state %s", q.state)
	}
	switch wr.Op {
	case OpSend, OpRDMAWriteImm:
		dest, err := q.dest(wr)
		if err != nil {
			return err
		}
		d := delivery{payload: wr.Buf, grh: q.trans == UD}
		if wr.Op == OpRDMAWriteImm {
			if err := q.rdmaWrite(wr); err != nil {
				return err
			}
			d.payload, d.immLen = nil, len(wr.Buf)
		}
		if len(dest.recvQ) == 0 {
			dest.pending = append(dest.pending, d)
		} else {
			dest.deliver(d)
		}
	case OpRDMAWrite:
		if err := q.rdmaWrite(wr); err != nil {
			return err
		}
	case OpRDMARead:
		mr, ok := q.backend.mrs[wr.RKey]
		if !ok {
			return ErrRemoteAccess
		}
		src, err := mr.slice(wr.RemoteAddr, len(wr.Buf))
		if err != nil {
			return err
		}
		copy(wr.Buf, src)
	case OpCompareSwap, OpFetchAdd:
		mr, ok := q.backend.mrs[wr.RKey]
		if !ok {
			return ErrRemoteAccess
		}
		cell, err := mr.slice(wr.RemoteAddr, 8)
		if err != nil {
			return err
		}
		old := binary.NativeEndian.Uint64(cell)
		if wr.Op == OpFetchAdd {
			binary.NativeEndian.PutUint64(cell, old+wr.Add)
		} else if old == wr.Compare {
			binary.NativeEndian.PutUint64(cell, wr.Swap)
		}
		binary.NativeEndian.PutUint64(wr.Buf, old)
	}
	q.cq.push(Completion{WRID: wr.ID, Status: StatusSuccess, ByteLen: uint32(len(wr.Buf))})
	return nil
}

func (q *simQP) rdmaWrite(wr *SendWR) error {
	mr, ok := q.backend.mrs[wr.RKey]
	if !ok {
		return ErrRemoteAccess
	}
	dst, err := mr.slice(wr.RemoteAddr, len(wr.Buf))
	if err != nil {
		return err
	}
	copy(dst, wr.Buf)
	return nil
}

func (q *simQP) dest(wr *SendWR) (*simQP, error) {
	qpn := q.destQPN
	if q.trans == UD {
		qpn = wr.RemoteQPN
	}
	dest, ok := q.backend.qps[qpn]
	if !ok {
		return nil, fmt.Errorf("rdma: unknown destination QPN %#x", qpn)
	}
	return dest, nil
}

// deliver consumes one posted receive. Called with the backend locked.
func (q *simQP) deliver(d delivery) {
	wr := q.recvQ[0]
	q.recvQ = q.recvQ[1:]
	n := len(d.payload)
	if d.payload != nil {
		buf := wr.Buf
		if d.grh {
			// UD receives land after the Global Routing Header.
			if len(buf) > GRHSize {
				buf = buf[GRHSize:]
			}
			n += GRHSize
		}
		copy(buf, d.payload)
	} else {
		n = d.immLen
	}
	q.cq.push(Completion{WRID: wr.ID, Status: StatusSuccess, ByteLen: uint32(n)})
}

func (q *simQP) Close() error {
	q.backend.mu.Lock()
	defer q.backend.mu.Unlock()
	delete(q.backend.qps, q.num)
	q.backend.event("free qp")
	return nil
}
