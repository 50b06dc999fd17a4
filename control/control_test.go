package control

import (
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/wire"
)

// pair returns two connected control channels over loopback TCP.
func pair(t *testing.T) (client, server *Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan *Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			done <- nil
			return
		}
		done <- NewConn(c, 5*time.Second)
	}()

	cc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client = NewConn(cc, 5*time.Second)
	server = <-done
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestRequestRoundTrip(t *testing.T) {
	client, server := pair(t)

	want := &Request{
		VerMaj: VerMaj, VerMin: VerMin, VerInc: VerInc,
		TestIndex: 7,
		MsgSize:   65536, MTUSize: 2048, Port: 4321,
		PollMode: 1, RdAtomic: 16, Time: 2, Timeout: 5,
		ID: "mlx5_0:1", Rate: "4xQDR",
	}

	var grp errgroup.Group
	grp.Go(func() error { return client.SendRequest(want) })

	got, err := server.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("request mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestRequestWireSize(t *testing.T) {
	enc := wire.NewEncoder(nil)
	(&Request{}).Encode(enc)
	if len(enc.Bytes()) != RequestWireSize {
		t.Fatalf("encoded %d bytes, want %d", len(enc.Bytes()), RequestWireSize)
	}
}

func TestRecvRequestRefusesMajorMismatch(t *testing.T) {
	client, server := pair(t)

	bad := &Request{VerMaj: VerMaj + 1, VerMin: VerMin, VerInc: VerInc}
	var grp errgroup.Group
	grp.Go(func() error { return client.SendRequest(bad) })

	_, err := server.RecvRequest()
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("got %v, want version mismatch", err)
	}
	_ = grp.Wait()
}

func TestRequestToleratesMinorDrift(t *testing.T) {
	client, server := pair(t)

	// A newer minor version would append fields; the receiver must accept
	// the prefix it understands.
	newer := &Request{VerMaj: VerMaj, VerMin: VerMin + 1, TestIndex: 3}
	var grp errgroup.Group
	grp.Go(func() error {
		enc := wire.NewEncoder(nil)
		newer.Encode(enc)
		enc.Uint(0xdeadbeef, 4) // trailing unknown field
		return client.SendMesg(enc.Bytes()[:RequestWireSize], "request")
	})

	got, err := server.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if got.TestIndex != 3 {
		t.Fatalf("TestIndex = %d, want 3", got.TestIndex)
	}
}

func TestSynchronize(t *testing.T) {
	client, server := pair(t)

	var grp errgroup.Group
	grp.Go(func() error {
		if !server.Synchronize() {
			t.Error("server barrier failed")
		}
		return nil
	})
	if !client.Synchronize() {
		t.Error("client barrier failed")
	}
	_ = grp.Wait()
}

func TestSynchronizeAgainstClosedPeer(t *testing.T) {
	client, server := pair(t)
	server.Close()
	// The write may still land in the socket buffer; the read must fail.
	if client.Synchronize() {
		t.Fatal("barrier succeeded against closed peer")
	}
}

func TestExchangeResults(t *testing.T) {
	client, server := pair(t)

	cs := &stats.Stat{NoTicks: 100, S: stats.Counters{Bytes: 111, Msgs: 11}}
	ss := &stats.Stat{NoTicks: 100, R: stats.Counters{Bytes: 111, Msgs: 11}}

	var fromClient *stats.Stat
	var grp errgroup.Group
	grp.Go(func() error {
		var err error
		fromClient, err = server.ExchangeResults(ss, false)
		return err
	})

	fromServer, err := client.ExchangeResults(cs, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if *fromServer != *ss {
		t.Errorf("client's view of server stats differs")
	}
	if *fromClient != *cs {
		t.Errorf("server's view of client stats differs")
	}
}

func TestPortRoundTrip(t *testing.T) {
	client, server := pair(t)

	var grp errgroup.Group
	grp.Go(func() error { return server.SendPort(39999) })

	port, err := client.RecvPort()
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if port != 39999 {
		t.Fatalf("port = %d, want 39999", port)
	}
}

func TestConfRoundTrip(t *testing.T) {
	client, server := pair(t)

	want := &Conf{Node: "n1", CPU: "8 Cores: Xeon", OS: "Linux 6.8", Version: "0.4.11"}
	var grp errgroup.Group
	grp.Go(func() error { return server.SendConf(want) })

	got, err := client.RecvConf()
	if err != nil {
		t.Fatal(err)
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("conf mismatch: got %+v, want %+v", got, want)
	}
}
