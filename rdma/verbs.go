//go:build ibverbs && linux

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int qb_modify_init(struct ibv_qp *qp, int port, int access, uint32_t qkey, int qp_type) {
	struct ibv_qp_attr attr;
	int flags = IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_INIT;
	attr.pkey_index = 0;
	attr.port_num = port;
	if (qp_type == IBV_QPT_UD) {
		flags |= IBV_QP_QKEY;
		attr.qkey = qkey;
	} else {
		flags |= IBV_QP_ACCESS_FLAGS;
		attr.qp_access_flags = access;
	}
	return ibv_modify_qp(qp, &attr, flags);
}

static int qb_modify_rtr(struct ibv_qp *qp, int qp_type, int mtu, uint32_t dest_qpn,
		uint32_t rq_psn, uint16_t dlid, int port, uint8_t rate,
		int max_dest_rd_atomic, int min_rnr_timer) {
	struct ibv_qp_attr attr;
	int flags = IBV_QP_STATE;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTR;
	attr.path_mtu = mtu;
	attr.dest_qp_num = dest_qpn;
	attr.rq_psn = rq_psn;
	attr.min_rnr_timer = min_rnr_timer;
	attr.max_dest_rd_atomic = max_dest_rd_atomic;
	attr.ah_attr.dlid = dlid;
	attr.ah_attr.port_num = port;
	attr.ah_attr.static_rate = rate;
	if (qp_type == IBV_QPT_RC)
		flags |= IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN | IBV_QP_RQ_PSN |
			IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER;
	else if (qp_type == IBV_QPT_UC)
		flags |= IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN | IBV_QP_RQ_PSN;
	return ibv_modify_qp(qp, &attr, flags);
}

static int qb_modify_rts(struct ibv_qp *qp, int qp_type, uint32_t sq_psn,
		int timeout, int retry_cnt, int rnr_retry, int max_rd_atomic) {
	struct ibv_qp_attr attr;
	int flags = IBV_QP_STATE | IBV_QP_SQ_PSN;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTS;
	attr.sq_psn = sq_psn;
	attr.timeout = timeout;
	attr.retry_cnt = retry_cnt;
	attr.rnr_retry = rnr_retry;
	attr.max_rd_atomic = max_rd_atomic;
	if (qp_type == IBV_QPT_RC)
		flags |= IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY |
			IBV_QP_MAX_QP_RD_ATOMIC;
	return ibv_modify_qp(qp, &attr, flags);
}

static int qb_post_send(struct ibv_qp *qp, uint64_t wrid, uintptr_t addr,
		uint32_t length, uint32_t lkey, int opcode, int send_flags,
		uint64_t raddr, uint32_t rkey, uint64_t compare_add, uint64_t swap,
		struct ibv_ah *ah, uint32_t rqpn, uint32_t rqkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wrid;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	wr.send_flags = send_flags;
	switch (opcode) {
	case IBV_WR_RDMA_READ:
	case IBV_WR_RDMA_WRITE:
	case IBV_WR_RDMA_WRITE_WITH_IMM:
		wr.wr.rdma.remote_addr = raddr;
		wr.wr.rdma.rkey = rkey;
		break;
	case IBV_WR_ATOMIC_CMP_AND_SWP:
	case IBV_WR_ATOMIC_FETCH_AND_ADD:
		wr.wr.atomic.remote_addr = raddr;
		wr.wr.atomic.rkey = rkey;
		wr.wr.atomic.compare_add = compare_add;
		wr.wr.atomic.swap = swap;
		break;
	default:
		if (ah) {
			wr.wr.ud.ah = ah;
			wr.wr.ud.remote_qpn = rqpn;
			wr.wr.ud.remote_qkey = rqkey;
		}
	}
	return ibv_post_send(qp, &wr, &bad);
}

static int qb_post_recv(struct ibv_qp *qp, uint64_t wrid, uintptr_t addr,
		uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wrid;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad);
}

static int qb_max_inline(struct ibv_qp *qp) {
	struct ibv_qp_attr attr;
	struct ibv_qp_init_attr init;
	if (ibv_query_qp(qp, &attr, 0, &init) != 0)
		return 0;
	return attr.cap.max_inline_data;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// VerbsBackend drives real hardware through libibverbs.
type VerbsBackend struct{}

// NewVerbsBackend returns the hardware backend.
func NewVerbsBackend() *VerbsBackend { return &VerbsBackend{} }

func (b *VerbsBackend) Devices() (names []string, err error) {
	var num C.int
	list := C.ibv_get_device_list(&num)
	if list == nil || num == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)
	devs := unsafe.Slice(list, int(num))
	for _, d := range devs {
		names = append(names, C.GoString(C.ibv_get_device_name(d)))
	}
	return names, nil
}

func (b *VerbsBackend) OpenDevice(name string) (Dev, error) {
	var num C.int
	list := C.ibv_get_device_list(&num)
	if list == nil || num == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)
	devs := unsafe.Slice(list, int(num))
	var dev *C.struct_ibv_device
	if name == "" {
		dev = devs[0]
	} else {
		for _, d := range devs {
			if C.GoString(C.ibv_get_device_name(d)) == name {
				dev = d
				break
			}
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	ctx := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, fmt.Errorf("rdma: opening device %s failed", name)
	}
	return &verbsDev{ctx: ctx}, nil
}

type verbsDev struct {
	ctx *C.struct_ibv_context
}

func (d *verbsDev) AllocPD() (PD, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, errors.New("rdma: allocating protection domain failed")
	}
	return &verbsPD{pd: pd}, nil
}

func (d *verbsDev) CreateCompChannel() (CompChannel, error) {
	ch := C.ibv_create_comp_channel(d.ctx)
	if ch == nil {
		return nil, errors.New("rdma: creating completion channel failed")
	}
	return &verbsChannel{ch: ch}, nil
}

func (d *verbsDev) CreateCQ(ch CompChannel, depth int) (CQ, error) {
	vch := ch.(*verbsChannel)
	cq := C.ibv_create_cq(d.ctx, C.int(depth), nil, vch.ch, 0)
	if cq == nil {
		return nil, errors.New("rdma: creating completion queue failed")
	}
	return &verbsCQ{cq: cq, ch: vch.ch}, nil
}

func (d *verbsDev) MaxQPRdAtom() (int, error) {
	var attr C.struct_ibv_device_attr
	if C.ibv_query_device(d.ctx, &attr) != 0 {
		return 0, errors.New("rdma: querying device failed")
	}
	return int(attr.max_qp_rd_atom), nil
}

func (d *verbsDev) PortLID(port int) (uint32, error) {
	var attr C.struct_ibv_port_attr
	if C.ibv_query_port(d.ctx, C.uint8_t(port), &attr) != 0 {
		return 0, fmt.Errorf("rdma: querying port %d failed", port)
	}
	return uint32(attr.lid), nil
}

func (d *verbsDev) Close() error {
	if C.ibv_close_device(d.ctx) != 0 {
		return errors.New("rdma: closing device failed")
	}
	return nil
}

type verbsChannel struct {
	ch *C.struct_ibv_comp_channel
}

func (c *verbsChannel) Close() error {
	if C.ibv_destroy_comp_channel(c.ch) != 0 {
		return errors.New("rdma: destroying completion channel failed")
	}
	return nil
}

type verbsPD struct {
	pd *C.struct_ibv_pd
}

func (p *verbsPD) RegMR(buf []byte, access int) (MR, error) {
	cAccess := C.int(0)
	if access&AccessLocalWrite != 0 {
		cAccess |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&AccessRemoteWrite != 0 {
		cAccess |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&AccessRemoteRead != 0 {
		cAccess |= C.IBV_ACCESS_REMOTE_READ
	}
	if access&AccessRemoteAtomic != 0 {
		cAccess |= C.IBV_ACCESS_REMOTE_ATOMIC
	}
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), cAccess)
	if mr == nil {
		return nil, errors.New("rdma: registering memory region failed")
	}
	return &verbsMR{mr: mr}, nil
}

func (p *verbsPD) CreateQP(cq CQ, trans Transport, maxSendWR, maxRecvWR int) (QP, error) {
	vcq := cq.(*verbsCQ)
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = vcq.cq
	attr.recv_cq = vcq.cq
	attr.cap.max_send_wr = C.uint32_t(maxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(maxRecvWR)
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1
	attr.qp_type = qpType(trans)
	qp := C.ibv_create_qp(p.pd, &attr)
	if qp == nil {
		return nil, errors.New("rdma: creating queue pair failed")
	}
	return &verbsQP{qp: qp, trans: trans}, nil
}

func (p *verbsPD) CreateAH(lid uint32, port int, rate Rate) (AH, error) {
	var attr C.struct_ibv_ah_attr
	attr.dlid = C.uint16_t(lid)
	attr.port_num = C.uint8_t(port)
	attr.static_rate = C.uint8_t(rate)
	ah := C.ibv_create_ah(p.pd, &attr)
	if ah == nil {
		return nil, errors.New("rdma: creating address handle failed")
	}
	return &verbsAH{ah: ah}, nil
}

func (p *verbsPD) Close() error {
	if C.ibv_dealloc_pd(p.pd) != 0 {
		return errors.New("rdma: deallocating protection domain failed")
	}
	return nil
}

type verbsMR struct {
	mr *C.struct_ibv_mr
}

func (m *verbsMR) LKey() uint32 { return uint32(m.mr.lkey) }
func (m *verbsMR) RKey() uint32 { return uint32(m.mr.rkey) }

func (m *verbsMR) Close() error {
	if C.ibv_dereg_mr(m.mr) != 0 {
		return errors.New("rdma: deregistering memory region failed")
	}
	return nil
}

type verbsAH struct {
	ah *C.struct_ibv_ah
}

func (a *verbsAH) Close() error {
	if C.ibv_destroy_ah(a.ah) != 0 {
		return errors.New("rdma: destroying address handle failed")
	}
	return nil
}

type verbsCQ struct {
	cq *C.struct_ibv_cq
	ch *C.struct_ibv_comp_channel
}

func (c *verbsCQ) Poll(wc []Completion) (int, error) {
	cwc := make([]C.struct_ibv_wc, len(wc))
	n := int(C.ibv_poll_cq(c.cq, C.int(len(cwc)), &cwc[0]))
	if n < 0 {
		return 0, errors.New("rdma: CQ poll failed")
	}
	for i := range n {
		wc[i] = Completion{
			WRID:    uint64(cwc[i].wr_id),
			Status:  Status(cwc[i].status),
			ByteLen: uint32(cwc[i].byte_len),
		}
	}
	return n, nil
}

func (c *verbsCQ) RequestNotify() error {
	if C.ibv_req_notify_cq(c.cq, 0) != 0 {
		return errors.New("rdma: requesting CQ notification failed")
	}
	return nil
}

func (c *verbsCQ) WaitEvent(finished func() bool) error {
	var ecq *C.struct_ibv_cq
	var ectx unsafe.Pointer
	if C.ibv_get_cq_event(c.ch, &ecq, &ectx) != 0 {
		if finished != nil && finished() {
			return ErrFinished
		}
		return errors.New("rdma: getting CQ event failed")
	}
	C.ibv_ack_cq_events(ecq, 1)
	if ecq != c.cq {
		return errors.New("rdma: CQ event for unknown CQ")
	}
	return nil
}

func (c *verbsCQ) Close() error {
	if C.ibv_destroy_cq(c.cq) != 0 {
		return errors.New("rdma: destroying completion queue failed")
	}
	return nil
}

type verbsQP struct {
	qp    *C.struct_ibv_qp
	trans Transport
}

func qpType(t Transport) C.enum_ibv_qp_type {
	switch t {
	case UC:
		return C.IBV_QPT_UC
	case UD:
		return C.IBV_QPT_UD
	}
	return C.IBV_QPT_RC
}

func (q *verbsQP) Num() uint32 { return uint32(q.qp.qp_num) }

func (q *verbsQP) MaxInline() int { return int(C.qb_max_inline(q.qp)) }

func (q *verbsQP) ToInit(attr *InitAttr) error {
	access := C.int(0)
	if attr.Access&AccessRemoteRead != 0 {
		access |= C.IBV_ACCESS_REMOTE_READ
	}
	if attr.Access&AccessRemoteWrite != 0 {
		access |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if attr.Access&AccessRemoteAtomic != 0 {
		access |= C.IBV_ACCESS_REMOTE_ATOMIC
	}
	if C.qb_modify_init(q.qp, C.int(attr.Port), access, C.uint32_t(attr.QKey),
		C.int(qpType(q.trans))) != 0 {
		return errors.New("rdma: modifying QP to INIT failed")
	}
	return nil
}

func (q *verbsQP) ToRTR(attr *RTRAttr) error {
	if C.qb_modify_rtr(q.qp, C.int(qpType(q.trans)), C.int(attr.MTU),
		C.uint32_t(attr.DestQPN), C.uint32_t(attr.RQPSN),
		C.uint16_t(attr.DestLID), C.int(attr.Port), C.uint8_t(attr.Rate),
		C.int(attr.MaxDestRdAtomic), C.int(attr.MinRNRTimer)) != 0 {
		return errors.New("rdma: modifying QP to RTR failed")
	}
	return nil
}

func (q *verbsQP) ToRTS(attr *RTSAttr) error {
	if C.qb_modify_rts(q.qp, C.int(qpType(q.trans)), C.uint32_t(attr.SQPSN),
		C.int(attr.Timeout), C.int(attr.RetryCnt), C.int(attr.RNRRetry),
		C.int(attr.MaxRdAtomic)) != 0 {
		return errors.New("rdma: modifying QP to RTS failed")
	}
	return nil
}

func (q *verbsQP) PostSend(wr *SendWR) error {
	opcode, flags := C.int(C.IBV_WR_SEND), C.int(C.IBV_SEND_SIGNALED)
	switch wr.Op {
	case OpRDMAWrite:
		opcode = C.IBV_WR_RDMA_WRITE
	case OpRDMAWriteImm:
		opcode = C.IBV_WR_RDMA_WRITE_WITH_IMM
	case OpRDMARead:
		opcode = C.IBV_WR_RDMA_READ
	case OpCompareSwap:
		opcode = C.IBV_WR_ATOMIC_CMP_AND_SWP
	case OpFetchAdd:
		opcode = C.IBV_WR_ATOMIC_FETCH_AND_ADD
	}
	if wr.Inline {
		flags |= C.IBV_SEND_INLINE
	}
	var ah *C.struct_ibv_ah
	if wr.AH != nil {
		ah = wr.AH.(*verbsAH).ah
	}
	compare, swap := wr.Compare, wr.Swap
	if wr.Op == OpFetchAdd {
		compare = wr.Add
	}
	if C.qb_post_send(q.qp, C.uint64_t(wr.ID),
		C.uintptr_t(uintptr(unsafe.Pointer(&wr.Buf[0]))),
		C.uint32_t(len(wr.Buf)), C.uint32_t(wr.LKey), opcode, flags,
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey),
		C.uint64_t(compare), C.uint64_t(swap),
		ah, C.uint32_t(wr.RemoteQPN), C.uint32_t(wr.RemoteQKey)) != 0 {
		return fmt.Errorf("rdma: posting %s failed", wr.Op)
	}
	return nil
}

func (q *verbsQP) PostRecv(wr *RecvWR) error {
	if C.qb_post_recv(q.qp, C.uint64_t(wr.ID),
		C.uintptr_t(uintptr(unsafe.Pointer(&wr.Buf[0]))),
		C.uint32_t(len(wr.Buf)), C.uint32_t(wr.LKey)) != 0 {
		return errors.New("rdma: posting receive failed")
	}
	return nil
}

func (q *verbsQP) Close() error {
	if C.ibv_destroy_qp(q.qp) != 0 {
		return errors.New("rdma: destroying queue pair failed")
	}
	return nil
}
