package rdma

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/qbench/qbench-go/control"
	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/wire"
)

// Device owns every verbs resource of one test endpoint and drives the
// queue pair through its connection lifecycle. Resources are acquired in
// the order device, channel, protection domain, memory region, completion
// queue, queue pair, address handle, and released in reverse, except that
// the completion queue goes down before its queue pair; some drivers hang
// otherwise.
type Device struct {
	Trans Transport
	LCon  Context
	RCon  Context

	backend   Backend
	req       *control.Request
	mtu       MTU
	port      int
	rate      Rate
	maxInline int
	pollMode  bool
	msgSize   int

	mapping []byte // page-aligned backing of buf
	buf     []byte

	dev     Dev
	channel CompChannel
	pd      PD
	mr      MR
	cq      CQ
	qp      QP
	ah      AH
}

func bufAddr(b []byte) uint64 { return uint64(uintptr(unsafe.Pointer(&b[0]))) }

// Open acquires the device resources for one test endpoint. The identifier
// in req names the device as "device[:port]"; an empty identifier picks the
// first device and port 1. req.RdAtomic is clamped to the device limit and
// written back so both the state machine and the caller's loop agree.
func Open(be Backend, req *control.Request, trans Transport, maxSendWR, maxRecvWR int) (*Device, error) {
	d := &Device{
		backend:  be,
		req:      req,
		Trans:    trans,
		pollMode: req.PollMode != 0,
		msgSize:  int(req.MsgSize),
	}
	opened := false
	defer func() {
		if !opened {
			d.Close()
		}
	}()

	var err error
	if d.mtu, err = PathMTU(req.MTUSize); err != nil {
		return nil, fmt.Errorf("%w: %d", ErrBadMTU, req.MTUSize)
	}

	name := req.ID
	d.port = 1
	if i := strings.IndexByte(name, ':'); i >= 0 {
		p, perr := strconv.Atoi(name[i+1:])
		if perr != nil || p < 1 {
			return nil, fmt.Errorf("%w: %q", ErrBadPort, name[i+1:])
		}
		name, d.port = name[:i], p
	}

	rate, ok := RateByName(req.Rate)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRate, req.Rate)
	}
	d.rate = rate

	if d.dev, err = be.OpenDevice(name); err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	if d.channel, err = d.dev.CreateCompChannel(); err != nil {
		return nil, fmt.Errorf("creating completion channel: %w", err)
	}
	if d.pd, err = d.dev.AllocPD(); err != nil {
		return nil, fmt.Errorf("allocating protection domain: %w", err)
	}
	if d.msgSize > 0 {
		if err = d.MRAlloc(d.msgSize); err != nil {
			return nil, err
		}
	}
	if d.cq, err = d.dev.CreateCQ(d.channel, maxSendWR+maxRecvWR); err != nil {
		return nil, fmt.Errorf("creating completion queue: %w", err)
	}
	if d.qp, err = d.pd.CreateQP(d.cq, trans, maxSendWR, maxRecvWR); err != nil {
		return nil, fmt.Errorf("creating queue pair: %w", err)
	}

	init := InitAttr{Port: d.port}
	switch trans {
	case UD:
		init.QKey = QKey
	case RC:
		init.Access = AccessRemoteRead | AccessRemoteWrite | AccessRemoteAtomic
	case UC:
		init.Access = AccessRemoteWrite
	}
	if err = d.qp.ToInit(&init); err != nil {
		return nil, fmt.Errorf("modifying QP to INIT: %w", err)
	}
	d.maxInline = d.qp.MaxInline()

	maxRdAtom, err := d.dev.MaxQPRdAtom()
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	if req.RdAtomic == 0 || req.RdAtomic > uint32(maxRdAtom) {
		req.RdAtomic = uint32(maxRdAtom)
	}

	lid, err := d.dev.PortLID(d.port)
	if err != nil {
		return nil, fmt.Errorf("querying port %d: %w", d.port, err)
	}
	d.LCon.LID = lid
	d.LCon.QPN = d.qp.Num()
	d.LCon.PSN = rand.Uint32() & 0xffffff
	opened = true
	return d, nil
}

// MRAlloc pins a page-aligned buffer of the given size (plus the routing
// header for UD) and registers it with full remote access. Tests that
// derive the buffer size from negotiated parameters, such as the atomics,
// open the device with a zero message size and call this before InitConn.
func (d *Device) MRAlloc(size int) error {
	d.msgSize = size
	if d.Trans == UD {
		size += GRHSize
	}
	if size == 0 {
		size = 1
	}
	m, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("allocating pinned buffer: %w", err)
	}
	d.mapping = m
	d.buf = m[:size]
	mr, err := d.pd.RegMR(d.buf, AccessAll)
	if err != nil {
		return fmt.Errorf("registering memory region: %w", err)
	}
	d.mr = mr
	d.LCon.RKey = mr.RKey()
	d.LCon.VAddr = bufAddr(d.buf)
	return nil
}

// InitConn swaps connection contexts with the peer over the control
// channel (client writes first) and brings the queue pair to RTS.
func (d *Device) InitConn(c *control.Conn, client bool) error {
	send := func() error {
		enc := wire.NewEncoder(make([]byte, 0, ContextWireSize))
		d.LCon.Encode(enc)
		return c.SendMesg(enc.Bytes(), "connection context")
	}
	recv := func() error {
		buf := make([]byte, ContextWireSize)
		if err := c.RecvMesg(buf, "connection context"); err != nil {
			return err
		}
		return d.RCon.Decode(wire.NewDecoder(buf))
	}
	if client {
		if err := send(); err != nil {
			return err
		}
		if err := recv(); err != nil {
			return err
		}
	} else {
		if err := recv(); err != nil {
			return err
		}
		if err := send(); err != nil {
			return err
		}
	}
	return d.Prepare()
}

// Prepare transitions the queue pair through RTR to RTS and, for UD,
// creates the address handle for the peer. Outside poll mode the first
// completion notification is armed here.
func (d *Device) Prepare() error {
	rtr := RTRAttr{
		MTU:             d.mtu,
		DestQPN:         d.RCon.QPN,
		RQPSN:           d.RCon.PSN,
		DestLID:         d.RCon.LID,
		Port:            d.port,
		Rate:            d.rate,
		MaxDestRdAtomic: int(d.req.RdAtomic),
		MinRNRTimer:     MinRNRTimer,
	}
	if err := d.qp.ToRTR(&rtr); err != nil {
		return fmt.Errorf("modifying QP to RTR: %w", err)
	}
	rts := RTSAttr{
		SQPSN:       d.LCon.PSN,
		Timeout:     Timeout,
		RetryCnt:    RetryCnt,
		RNRRetry:    RNRRetry,
		MaxRdAtomic: int(d.req.RdAtomic),
	}
	if err := d.qp.ToRTS(&rts); err != nil {
		return fmt.Errorf("modifying QP to RTS: %w", err)
	}
	if d.Trans == UD {
		ah, err := d.pd.CreateAH(d.RCon.LID, d.port, d.rate)
		if err != nil {
			return fmt.Errorf("creating address handle: %w", err)
		}
		d.ah = ah
	}
	if !d.pollMode {
		if err := d.cq.RequestNotify(); err != nil {
			return fmt.Errorf("requesting CQ notification: %w", err)
		}
	}
	return nil
}

// Buffer returns the pinned message buffer, including the routing-header
// prefix on UD.
func (d *Device) Buffer() []byte { return d.buf }

// MaxInline returns the inline-data threshold of the queue pair.
func (d *Device) MaxInline() int { return d.maxInline }

// payload is the send segment: the first msgSize bytes of the buffer.
func (d *Device) payload() []byte { return d.buf[:d.msgSize] }

// PostSend posts n signaled sends of the message buffer, accounting each
// into st. Small messages ride inline in the work request.
func (d *Device) PostSend(n int, st *stats.Stat) error {
	wr := SendWR{
		ID:     WRIDSend,
		Op:     OpSend,
		Buf:    d.payload(),
		LKey:   d.mr.LKey(),
		Inline: d.msgSize <= d.maxInline,
	}
	if d.Trans == UD {
		wr.AH = d.ah
		wr.RemoteQPN = d.RCon.QPN
		wr.RemoteQKey = QKey
	}
	for ; n > 0; n-- {
		if err := d.qp.PostSend(&wr); err != nil {
			return fmt.Errorf("posting send: %w", err)
		}
		st.S.Bytes += uint64(d.msgSize)
		st.S.Msgs++
	}
	return nil
}

// PostRecv posts n receives of the full buffer (message plus routing
// header on UD).
func (d *Device) PostRecv(n int) error {
	wr := RecvWR{ID: WRIDRecv, Buf: d.buf, LKey: d.mr.LKey()}
	for ; n > 0; n-- {
		if err := d.qp.PostRecv(&wr); err != nil {
			return fmt.Errorf("posting receive: %w", err)
		}
	}
	return nil
}

// PostRDMA posts n signaled RDMA operations against the peer's buffer.
// Writes are accounted as sends; reads complete locally and are accounted
// by the caller. Inline applies to writes only.
func (d *Device) PostRDMA(op Opcode, n int, st *stats.Stat) error {
	wr := SendWR{
		ID:         WRIDRDMA,
		Op:         op,
		Buf:        d.payload(),
		LKey:       d.mr.LKey(),
		RemoteAddr: d.RCon.VAddr,
		RKey:       d.RCon.RKey,
		Inline:     op != OpRDMARead && d.msgSize <= d.maxInline,
	}
	for ; n > 0; n-- {
		if err := d.qp.PostSend(&wr); err != nil {
			return fmt.Errorf("posting %s: %w", op, err)
		}
		if op != OpRDMARead {
			st.S.Bytes += uint64(d.msgSize)
			st.S.Msgs++
		}
	}
	return nil
}

// PostCompareSwap posts one signaled compare-and-swap against the peer's
// atomic cell. The old value lands in the local buffer at offset.
func (d *Device) PostCompareSwap(wrid uint64, offset int, compare, swap uint64, st *stats.Stat) error {
	wr := SendWR{
		ID:         wrid,
		Op:         OpCompareSwap,
		Buf:        d.buf[offset : offset+8],
		LKey:       d.mr.LKey(),
		RemoteAddr: d.RCon.VAddr,
		RKey:       d.RCon.RKey,
		Compare:    compare,
		Swap:       swap,
	}
	if err := d.qp.PostSend(&wr); err != nil {
		return fmt.Errorf("posting compare and swap: %w", err)
	}
	st.S.Bytes += 8
	st.S.Msgs++
	return nil
}

// PostFetchAdd posts one signaled fetch-and-add against the peer's atomic
// cell. The old value lands in the local buffer at offset.
func (d *Device) PostFetchAdd(wrid uint64, offset int, add uint64, st *stats.Stat) error {
	wr := SendWR{
		ID:         wrid,
		Op:         OpFetchAdd,
		Buf:        d.buf[offset : offset+8],
		LKey:       d.mr.LKey(),
		RemoteAddr: d.RCon.VAddr,
		RKey:       d.RCon.RKey,
		Add:        add,
	}
	if err := d.qp.PostSend(&wr); err != nil {
		return fmt.Errorf("posting fetch and add: %w", err)
	}
	st.S.Bytes += 8
	st.S.Msgs++
	return nil
}

// Poll harvests up to len(wc) completions. In event mode it blocks on the
// completion channel first and rearms the notification; a wait cancelled
// by the finished flag yields zero completions, not an error.
func (d *Device) Poll(wc []Completion, finished func() bool) (int, error) {
	if !d.pollMode && (finished == nil || !finished()) {
		if err := d.cq.WaitEvent(finished); err != nil {
			if errors.Is(err, ErrFinished) {
				return 0, nil
			}
			return 0, fmt.Errorf("waiting for CQ event: %w", err)
		}
		if err := d.cq.RequestNotify(); err != nil {
			return 0, fmt.Errorf("requesting CQ notification: %w", err)
		}
	}
	n, err := d.cq.Poll(wc)
	if err != nil {
		return 0, fmt.Errorf("polling CQ: %w", err)
	}
	return n, nil
}

// PollCQ polls the completion queue directly, bypassing the event channel.
// The write-polling latency test measures with this regardless of mode.
func (d *Device) PollCQ(wc []Completion) (int, error) {
	return d.cq.Poll(wc)
}

// Close releases every resource in the order address handle, completion
// queue, queue pair, memory region, protection domain, channel, device,
// buffer, and is safe on a partially opened device.
func (d *Device) Close() error {
	var errs []error
	closeIt := func(c interface{ Close() error }) {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if d.ah != nil {
		closeIt(d.ah)
		d.ah = nil
	}
	if d.cq != nil {
		closeIt(d.cq)
		d.cq = nil
	}
	if d.qp != nil {
		closeIt(d.qp)
		d.qp = nil
	}
	if d.mr != nil {
		closeIt(d.mr)
		d.mr = nil
	}
	if d.pd != nil {
		closeIt(d.pd)
		d.pd = nil
	}
	if d.channel != nil {
		closeIt(d.channel)
		d.channel = nil
	}
	if d.dev != nil {
		closeIt(d.dev)
		d.dev = nil
	}
	if d.mapping != nil {
		if err := unix.Munmap(d.mapping); err != nil {
			errs = append(errs, err)
		}
		d.mapping, d.buf = nil, nil
	}
	return errors.Join(errs...)
}
