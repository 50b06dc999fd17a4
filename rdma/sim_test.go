package rdma

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/qbench/qbench-go/control"
	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/wire"
)

func TestContextRoundTrip(t *testing.T) {
	want := Context{LID: 7, QPN: 0x101, PSN: 0xabcdef, RKey: 0x1001, VAddr: 0xdeadbeefcafe}
	enc := wire.NewEncoder(nil)
	want.Encode(enc)
	if len(enc.Bytes()) != ContextWireSize {
		t.Fatalf("encoded %d bytes, want %d", len(enc.Bytes()), ContextWireSize)
	}
	var got Context
	if err := got.Decode(wire.NewDecoder(enc.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func testReq(msgSize uint32) *control.Request {
	return &control.Request{
		MsgSize:  msgSize,
		MTUSize:  2048,
		PollMode: 1,
		RdAtomic: 8,
	}
}

// openPair opens two connected devices on one simulated fabric.
func openPair(t *testing.T, trans Transport, msgSize uint32, sWR, rWR int) (cli, srv *Device) {
	t.Helper()
	be := NewSimBackend()
	var err error
	cli, err = Open(be, testReq(msgSize), trans, sWR, rWR)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Close() })
	srv, err = Open(be, testReq(msgSize), trans, rWR, sWR)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	cli.RCon, srv.RCon = srv.LCon, cli.LCon
	if err := cli.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Prepare(); err != nil {
		t.Fatal(err)
	}
	return cli, srv
}

func TestOpenRejectsBadParameters(t *testing.T) {
	be := NewSimBackend()

	req := testReq(64)
	req.MTUSize = 1500
	if _, err := Open(be, req, RC, 1, 1); err == nil {
		t.Error("MTU 1500 accepted")
	}

	req = testReq(64)
	req.Rate = "7xEDR"
	if _, err := Open(be, req, RC, 1, 1); err == nil {
		t.Error("unknown rate accepted")
	}

	req = testReq(64)
	req.ID = "sim0:0"
	if _, err := Open(be, req, RC, 1, 1); err == nil {
		t.Error("port 0 accepted")
	}

	req = testReq(64)
	req.ID = "nosuchdev"
	if _, err := Open(be, req, RC, 1, 1); err == nil {
		t.Error("unknown device accepted")
	}
}

func TestOpenClampsRdAtomic(t *testing.T) {
	req := testReq(64)
	req.RdAtomic = 999
	d, err := Open(NewSimBackend(), req, RC, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if req.RdAtomic != 16 {
		t.Fatalf("rd_atomic = %d, want clamped to 16", req.RdAtomic)
	}
}

func TestReleaseOrder(t *testing.T) {
	be := NewSimBackend()
	d, err := Open(be, testReq(4096), UD, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := Open(be, testReq(4096), UD, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	d.RCon = peer.LCon
	if err := d.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	trace := be.Trace()
	var frees []string
	allocs := 0
	for _, ev := range trace {
		if len(ev) > 5 && ev[:5] == "free " {
			frees = append(frees, ev[5:])
		} else {
			allocs++
		}
	}
	want := []string{"ah", "cq", "qp", "mr", "pd", "channel", "device"}
	if !slices.Equal(frees, want) {
		t.Fatalf("release order %v, want %v", frees, want)
	}
	// The peer is still open (and never prepared, so it has no AH): its
	// six allocations are outstanding.
	if allocs != len(frees)+6 {
		t.Fatalf("%d allocations, %d releases", allocs, len(frees))
	}
}

func TestSendRecvDelivery(t *testing.T) {
	cli, srv := openPair(t, RC, 16, 4, 4)

	if err := srv.PostRecv(1); err != nil {
		t.Fatal(err)
	}
	copy(cli.Buffer(), []byte("0123456789abcdef"))

	var st stats.Stat
	if err := cli.PostSend(1, &st); err != nil {
		t.Fatal(err)
	}
	if st.S.Msgs != 1 || st.S.Bytes != 16 {
		t.Fatalf("send accounting: %+v", st.S)
	}

	wc := make([]Completion, 4)
	n, err := srv.PollCQ(wc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || wc[0].WRID != WRIDRecv || wc[0].Status != StatusSuccess {
		t.Fatalf("server completion: n=%d wc=%+v", n, wc[0])
	}
	if !bytes.Equal(srv.Buffer()[:16], cli.Buffer()[:16]) {
		t.Fatal("payload not delivered")
	}

	n, err = cli.PollCQ(wc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || wc[0].WRID != WRIDSend {
		t.Fatalf("client completion: n=%d wc=%+v", n, wc[0])
	}
}

func TestSendParksUntilReceivePosted(t *testing.T) {
	cli, srv := openPair(t, RC, 8, 4, 4)

	var st stats.Stat
	if err := cli.PostSend(1, &st); err != nil {
		t.Fatal(err)
	}
	wc := make([]Completion, 4)
	if n, _ := srv.PollCQ(wc); n != 0 {
		t.Fatal("completion before receive was posted")
	}
	if err := srv.PostRecv(1); err != nil {
		t.Fatal(err)
	}
	if n, _ := srv.PollCQ(wc); n != 1 {
		t.Fatal("parked send not delivered on post")
	}
}

func TestUDReceiveCarriesGRH(t *testing.T) {
	cli, srv := openPair(t, UD, 32, 4, 4)

	if len(srv.Buffer()) != 32+GRHSize {
		t.Fatalf("UD buffer is %d bytes, want %d", len(srv.Buffer()), 32+GRHSize)
	}
	if err := srv.PostRecv(1); err != nil {
		t.Fatal(err)
	}
	copy(cli.Buffer(), bytes.Repeat([]byte{0x5a}, 32))

	var st stats.Stat
	if err := cli.PostSend(1, &st); err != nil {
		t.Fatal(err)
	}
	wc := make([]Completion, 1)
	n, err := srv.PollCQ(wc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || wc[0].ByteLen != 32+GRHSize {
		t.Fatalf("completion %+v, want %d bytes", wc[0], 32+GRHSize)
	}
	if !bytes.Equal(srv.Buffer()[GRHSize:GRHSize+32], cli.Buffer()[:32]) {
		t.Fatal("payload not at GRH offset")
	}
}

func TestRDMAWriteAndRead(t *testing.T) {
	cli, srv := openPair(t, RC, 8, 4, 4)

	copy(cli.Buffer(), []byte("writeme!"))
	var st stats.Stat
	if err := cli.PostRDMA(OpRDMAWrite, 1, &st); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(srv.Buffer()[:8], []byte("writeme!")) {
		t.Fatal("RDMA write not placed")
	}
	if st.S.Msgs != 1 {
		t.Fatalf("write accounting: %+v", st.S)
	}

	copy(srv.Buffer(), []byte("readback"))
	if err := cli.PostRDMA(OpRDMARead, 1, &st); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cli.Buffer()[:8], []byte("readback")) {
		t.Fatal("RDMA read did not pull")
	}
	// Reads generate no send accounting at post time.
	if st.S.Msgs != 1 {
		t.Fatalf("read accounting changed: %+v", st.S)
	}

	wc := make([]Completion, 4)
	if n, _ := cli.PollCQ(wc); n != 2 {
		t.Fatalf("client completions = %d, want 2", n)
	}
}

func TestRDMAWriteImmConsumesReceive(t *testing.T) {
	cli, srv := openPair(t, RC, 8, 4, 4)

	if err := srv.PostRecv(1); err != nil {
		t.Fatal(err)
	}
	var st stats.Stat
	if err := cli.PostRDMA(OpRDMAWriteImm, 1, &st); err != nil {
		t.Fatal(err)
	}
	wc := make([]Completion, 1)
	n, err := srv.PollCQ(wc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || wc[0].WRID != WRIDRecv || wc[0].ByteLen != 8 {
		t.Fatalf("completion %+v", wc[0])
	}
}

func TestFetchAddSequence(t *testing.T) {
	cli, srv := openPair(t, RC, 8, 16, 0)
	_ = srv

	var st stats.Stat
	var last uint64
	for i := 0; i < 10; i++ {
		if err := cli.PostFetchAdd(uint64(i), 0, 1, &st); err != nil {
			t.Fatal(err)
		}
		got := binary.NativeEndian.Uint64(cli.Buffer()[:8])
		if got != last {
			t.Fatalf("iteration %d: old value %d, want %d", i, got, last)
		}
		last++
	}
	if st.S.Msgs != 10 || st.S.Bytes != 80 {
		t.Fatalf("atomic accounting: %+v", st.S)
	}
}

func TestCompareSwapSequence(t *testing.T) {
	cli, _ := openPair(t, RC, 8, 16, 0)

	var st stats.Stat
	var cur uint64
	next := uint64(0x0123456789abcdef)
	var last uint64
	for i := 0; i < 8; i++ {
		if err := cli.PostCompareSwap(uint64(i), 0, cur, next, &st); err != nil {
			t.Fatal(err)
		}
		got := binary.NativeEndian.Uint64(cli.Buffer()[:8])
		if got != last {
			t.Fatalf("iteration %d: old value %#x, want %#x", i, got, last)
		}
		if last == 0 {
			last = 0x0123456789abcdef
		} else {
			last++
		}
		cur = next
		next = cur + 1
	}
}

func TestEventModePoll(t *testing.T) {
	be := NewSimBackend()
	req := testReq(8)
	req.PollMode = 0
	cli, err := Open(be, req, RC, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	req2 := testReq(8)
	req2.PollMode = 0
	srv, err := Open(be, req2, RC, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	cli.RCon, srv.RCon = srv.LCon, cli.LCon
	if err := cli.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Prepare(); err != nil {
		t.Fatal(err)
	}

	var st stats.Stat
	if err := cli.PostRDMA(OpRDMAWrite, 1, &st); err != nil {
		t.Fatal(err)
	}
	wc := make([]Completion, 4)
	n, err := cli.Poll(wc, func() bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || wc[0].WRID != WRIDRDMA {
		t.Fatalf("event-mode poll: n=%d wc=%+v", n, wc[0])
	}

	// A wait cancelled by the finished flag yields zero completions.
	n, err = cli.Poll(wc, func() bool { return true })
	if err != nil || n != 0 {
		t.Fatalf("cancelled poll: n=%d err=%v", n, err)
	}
}
