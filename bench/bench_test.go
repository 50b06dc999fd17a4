package bench

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbench/qbench-go/control"
	"github.com/qbench/qbench-go/param"
	"github.com/qbench/qbench-go/rdma"
	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/timing"
)

func TestRegistryOrder(t *testing.T) {
	seen := make(map[string]bool, len(Tests))
	for _, tc := range Tests {
		if seen[tc.Name] {
			t.Fatalf("duplicate test %s", tc.Name)
		}
		seen[tc.Name] = true
		if tc.Client == nil || tc.Server == nil {
			t.Fatalf("test %s missing a side", tc.Name)
		}
	}
	// Wire indexes are part of the protocol.
	for name, idx := range map[string]int{
		"conf": 0, "quit": 1, "tcp_bw": 6, "rc_lat": 14, "ver_rc_fetch_add": 30,
	} {
		got, ok := Lookup(name)
		if !ok || got != idx {
			t.Fatalf("Lookup(%s) = %d/%t, want %d", name, got, ok, idx)
		}
	}
}

// controlPair returns two connected control channels over loopback.
func controlPair(t *testing.T) (client, server *control.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			done <- nil
			return
		}
		done <- c
	}()
	cc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sc := <-done
	if sc == nil {
		t.Fatal("accept failed")
	}
	client = control.NewConn(cc, 0)
	server = control.NewConn(sc, 0)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// testTable builds the client's parameter views with the front-end
// defaults applied.
func testTable(tweak func(*param.Table)) *param.Table {
	l := &control.Request{Time: 1, Timeout: 5}
	r := &control.Request{Time: 1, Timeout: 5}
	tbl := param.New(l, r)
	if tweak != nil {
		tweak(tbl)
	}
	return tbl
}

func setBoth(tbl *param.Table, name string, v uint32) {
	p, ok := param.ByName(name)
	if !ok {
		panic("unknown param " + name)
	}
	tbl.SetU32(name, p.Loc, v)
	tbl.SetU32(name, p.Rem, v)
}

// runPairTest runs one test with both endpoints in-process and returns the
// finished environments.
func runPairTest(t *testing.T, name string, tweak func(*param.Table)) (cli, srv *Env) {
	t.Helper()
	be := rdma.NewSimBackend()
	idx, ok := Lookup(name)
	if !ok {
		t.Fatalf("unknown test %s", name)
	}
	cconn, sconn := controlPair(t)

	tbl := testTable(tweak).Clone()
	tbl.Remote.TestIndex = uint16(idx)
	cli = &Env{
		Conn:       cconn,
		Params:     tbl,
		Req:        tbl.Local,
		LStat:      stats.New(),
		IsClient:   true,
		ServerName: "127.0.0.1",
		TestName:   name,
		Backend:    be,
		Out:        io.Discard,
		ErrOut:     io.Discard,
	}
	cli.Run = timing.New(cli.LStat, nil)

	var grp errgroup.Group
	grp.Go(func() error {
		req, err := sconn.RecvRequest()
		if err != nil {
			return err
		}
		srv = &Env{
			Conn:     sconn,
			Params:   param.New(req, req),
			Req:      req,
			LStat:    stats.New(),
			TestName: name,
			Backend:  be,
			Out:      io.Discard,
			ErrOut:   io.Discard,
		}
		srv.Run = timing.New(srv.LStat, nil)
		return Tests[req.TestIndex].Server(srv)
	})

	if err := Tests[idx].Client(cli); err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatalf("server: %v", err)
	}
	if !cli.Successful || !srv.Successful {
		t.Fatalf("unsuccessful: client=%t server=%t", cli.Successful, srv.Successful)
	}
	return cli, srv
}

func TestTCPBandwidth(t *testing.T) {
	cli, srv := runPairTest(t, "tcp_bw", func(tbl *param.Table) {
		setBoth(tbl, "no_msgs", 100)
	})
	if cli.LStat.S.Bytes == 0 || cli.LStat.S.Errs != 0 {
		t.Fatalf("client send counters: %+v", cli.LStat.S)
	}
	if cli.Req.MsgSize != streamBWSize {
		t.Fatalf("negotiated msg_size %d, want %d", cli.Req.MsgSize, streamBWSize)
	}
	if srv.LStat.R.Bytes != cli.LStat.S.Bytes {
		t.Fatalf("server received %d bytes, client sent %d",
			srv.LStat.R.Bytes, cli.LStat.S.Bytes)
	}
	// The exchange is symmetric: each side holds the other's block.
	if *cli.RStat != *srv.LStat || *srv.RStat != *cli.LStat {
		t.Fatal("statistics exchange is not symmetric")
	}
}

func TestTCPBandwidthMessageCap(t *testing.T) {
	cli, _ := runPairTest(t, "tcp_bw", func(tbl *param.Table) {
		setBoth(tbl, "no_msgs", 10)
		setBoth(tbl, "msg_size", 4096)
	})
	if got := cli.LStat.S.Msgs + cli.LStat.S.Errs; got < 10 {
		t.Fatalf("stopped after %d messages, cap 10", got)
	}
}

func TestUDPLatency(t *testing.T) {
	cli, _ := runPairTest(t, "udp_lat", func(tbl *param.Table) {
		setBoth(tbl, "msg_size", 1)
	})
	s, r := cli.LStat.S.Msgs, cli.LStat.R.Msgs
	if s == 0 || r == 0 {
		t.Fatalf("no round trips: send=%d recv=%d", s, r)
	}
	if d := int64(s) - int64(r); d < -1 || d > 1 {
		t.Fatalf("send/recv imbalance: %d vs %d", s, r)
	}
}

func TestRCLatency(t *testing.T) {
	cli, srv := runPairTest(t, "rc_lat", func(tbl *param.Table) {
		setBoth(tbl, "msg_size", 1)
	})
	s, r := cli.LStat.S.Msgs, cli.LStat.R.Msgs
	if s == 0 || r == 0 {
		t.Fatalf("no round trips: send=%d recv=%d", s, r)
	}
	if d := int64(s) - int64(r); d < -1 || d > 1 {
		t.Fatalf("send/recv imbalance: %d vs %d", s, r)
	}
	if srv.LStat.R.Msgs == 0 {
		t.Fatal("server saw no messages")
	}
}

func TestRCRDMAWritePollLatency(t *testing.T) {
	cli, srv := runPairTest(t, "rc_rdma_write_poll_lat", func(tbl *param.Table) {
		setBoth(tbl, "msg_size", 4)
		setBoth(tbl, "poll_mode", 1)
	})
	if srv.LStat.R.Msgs == 0 {
		t.Fatal("server observed no marker flips")
	}
	if cli.LStat.S.Msgs == 0 {
		t.Fatal("client posted no writes")
	}
}

func TestRCRDMAReadLatency(t *testing.T) {
	cli, srv := runPairTest(t, "rc_rdma_read_lat", nil)
	if cli.LStat.R.Msgs == 0 {
		t.Fatal("no reads completed")
	}
	if cli.LStat.RemS.Msgs != cli.LStat.R.Msgs {
		t.Fatalf("remote-send credit %d, local recv %d",
			cli.LStat.RemS.Msgs, cli.LStat.R.Msgs)
	}
	// The passive side posts nothing.
	if srv.LStat.S.Msgs != 0 || srv.LStat.R.Msgs != 0 {
		t.Fatalf("passive server accounted work: %+v", srv.LStat)
	}
}

func TestVerCompareSwap(t *testing.T) {
	cli, _ := runPairTest(t, "ver_rc_compare_swap", func(tbl *param.Table) {
		setBoth(tbl, "rd_atomic", 16)
	})
	if cli.LStat.S.Msgs < 16 {
		t.Fatalf("only %d operations posted", cli.LStat.S.Msgs)
	}
	if cli.LStat.RemR.Bytes != 8*cli.LStat.RemR.Msgs {
		t.Fatalf("rem_r accounting: %d bytes for %d msgs",
			cli.LStat.RemR.Bytes, cli.LStat.RemR.Msgs)
	}
}

func TestVerFetchAdd(t *testing.T) {
	cli, _ := runPairTest(t, "ver_rc_fetch_add", func(tbl *param.Table) {
		setBoth(tbl, "rd_atomic", 4)
	})
	if cli.LStat.RemR.Msgs == 0 {
		t.Fatal("no atomics completed")
	}
}

func TestUDBidirBandwidth(t *testing.T) {
	cli, srv := runPairTest(t, "ud_bi_bw", func(tbl *param.Table) {
		setBoth(tbl, "msg_size", 2048)
	})
	for _, e := range []*Env{cli, srv} {
		if e.LStat.S.Msgs == 0 || e.LStat.R.Msgs == 0 {
			t.Fatalf("one-way traffic only: %+v", e.LStat)
		}
		if e.LStat.MaxCQEs > 2*NCQE {
			t.Fatalf("CQ high-water mark %d exceeds %d", e.LStat.MaxCQEs, 2*NCQE)
		}
	}
}

func TestUnusedParameterFails(t *testing.T) {
	cconn, sconn := controlPair(t)
	tbl := testTable(func(tbl *param.Table) {
		setBoth(tbl, "sock_buf_size", 65536) // not consumed by rc_lat
	}).Clone()
	cli := &Env{
		Conn: cconn, Params: tbl, Req: tbl.Local, LStat: stats.New(),
		IsClient: true, ServerName: "127.0.0.1", TestName: "rc_lat",
		Backend: rdma.NewSimBackend(), Out: io.Discard, ErrOut: io.Discard,
	}
	cli.Run = timing.New(cli.LStat, nil)

	err := clientRCLat(cli)
	cconn.Close()
	sconn.Close()
	if !errors.Is(err, param.ErrUnused) {
		t.Fatalf("got %v, want ErrUnused", err)
	}
}

func TestRunClientServerConf(t *testing.T) {
	l, err := control.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	var grp errgroup.Group
	grp.Go(func() error {
		return RunServer(&ServerConfig{
			Listener: l, Once: true,
			Out: io.Discard, ErrOut: io.Discard,
		})
	})

	var out bytes.Buffer
	err = RunClient(&ClientConfig{
		Host: "127.0.0.1", Port: port,
		Timeout: 5 * time.Second,
		Table:   testTable(nil),
		Tests:   []string{"conf"},
		Out:     &out, ErrOut: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"loc_node", "rem_node", "loc_os"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("conf output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunClientServerQuit(t *testing.T) {
	l, err := control.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	done := make(chan error, 1)
	go func() {
		done <- RunServer(&ServerConfig{
			Listener: l,
			Out:      io.Discard, ErrOut: io.Discard,
		})
	}()

	err = RunClient(&ClientConfig{
		Host: "127.0.0.1", Port: port,
		Timeout: 5 * time.Second,
		Table:   testTable(nil),
		Tests:   []string{"quit"},
		Out:     io.Discard, ErrOut: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not quit")
	}
}

func TestRunClientBandwidthOutput(t *testing.T) {
	l, err := control.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	var grp errgroup.Group
	grp.Go(func() error {
		return RunServer(&ServerConfig{
			Listener: l, Once: true,
			Out: io.Discard, ErrOut: io.Discard,
		})
	})

	var out bytes.Buffer
	err = RunClient(&ClientConfig{
		Host: "127.0.0.1", Port: port,
		Timeout:   5 * time.Second,
		Table:     testTable(func(tbl *param.Table) { setBoth(tbl, "no_msgs", 10) }),
		Tests:     []string{"tcp_bw"},
		Verbosity: 1,
		Out:       &out, ErrOut: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "tcp_bw:") || !strings.Contains(got, "bw") {
		t.Fatalf("unexpected report:\n%s", got)
	}
	if !strings.Contains(got, "no_msgs") {
		t.Fatalf("report at -v missing used parameters:\n%s", got)
	}
}
