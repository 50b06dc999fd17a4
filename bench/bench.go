// Package bench is the test-execution engine: it maps test names to a
// client and a server function, threads the control channel, parameter
// table, statistics and timer through them, and implements the socket and
// RDMA measurement loops.
package bench

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qbench/qbench-go/control"
	"github.com/qbench/qbench-go/cpustat"
	"github.com/qbench/qbench-go/param"
	"github.com/qbench/qbench-go/ratelimit"
	"github.com/qbench/qbench-go/rdma"
	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/timing"
)

// NCQE is the pipeline depth of the bandwidth loops: sends or receives
// kept outstanding, and the harvest batch size.
const NCQE = 1024

// ResultKind selects what the client reports after a successful test.
type ResultKind int

const (
	NoResult ResultKind = iota
	Bandwidth
	BandwidthSR
	Latency
	MsgRate
)

// Test binds a name to its client and server halves. The wire test index
// is the position in Tests, so rows must never be reordered.
type Test struct {
	Name   string
	Kind   ResultKind
	Client func(*Env) error
	Server func(*Env) error
}

// Tests is the registry, in wire-index order.
var Tests = []Test{
	{"conf", NoResult, clientConf, serverConf},
	{"quit", NoResult, clientQuit, serverQuit},
	{"rds_bw", BandwidthSR, clientRDSBW, serverRDSBW},
	{"rds_lat", Latency, clientRDSLat, serverRDSLat},
	{"sdp_bw", Bandwidth, clientSDPBW, serverSDPBW},
	{"sdp_lat", Latency, clientSDPLat, serverSDPLat},
	{"tcp_bw", Bandwidth, clientTCPBW, serverTCPBW},
	{"tcp_lat", Latency, clientTCPLat, serverTCPLat},
	{"udp_bw", BandwidthSR, clientUDPBW, serverUDPBW},
	{"udp_lat", Latency, clientUDPLat, serverUDPLat},
	{"rc_bi_bw", Bandwidth, clientRCBiBW, serverRCBiBW},
	{"rc_bw", Bandwidth, clientRCBW, serverRCBW},
	{"rc_compare_swap_mr", MsgRate, clientRCCompareSwapMR, serverRCCompareSwapMR},
	{"rc_fetch_add_mr", MsgRate, clientRCFetchAddMR, serverRCFetchAddMR},
	{"rc_lat", Latency, clientRCLat, serverRCLat},
	{"rc_rdma_read_bw", Bandwidth, clientRCRDMAReadBW, serverRCRDMAReadBW},
	{"rc_rdma_read_lat", Latency, clientRCRDMAReadLat, serverRCRDMAReadLat},
	{"rc_rdma_write_bw", Bandwidth, clientRCRDMAWriteBW, serverRCRDMAWriteBW},
	{"rc_rdma_write_lat", Latency, clientRCRDMAWriteLat, serverRCRDMAWriteLat},
	{"rc_rdma_write_poll_lat", Latency, clientRCRDMAWritePollLat, serverRCRDMAWritePollLat},
	{"uc_bi_bw", BandwidthSR, clientUCBiBW, serverUCBiBW},
	{"uc_bw", BandwidthSR, clientUCBW, serverUCBW},
	{"uc_lat", Latency, clientUCLat, serverUCLat},
	{"uc_rdma_write_bw", BandwidthSR, clientUCRDMAWriteBW, serverUCRDMAWriteBW},
	{"uc_rdma_write_lat", Latency, clientUCRDMAWriteLat, serverUCRDMAWriteLat},
	{"uc_rdma_write_poll_lat", Latency, clientUCRDMAWritePollLat, serverUCRDMAWritePollLat},
	{"ud_bi_bw", BandwidthSR, clientUDBiBW, serverUDBiBW},
	{"ud_bw", BandwidthSR, clientUDBW, serverUDBW},
	{"ud_lat", Latency, clientUDLat, serverUDLat},
	{"ver_rc_compare_swap", MsgRate, clientVerRCCompareSwap, serverVerRCCompareSwap},
	{"ver_rc_fetch_add", MsgRate, clientVerRCFetchAdd, serverVerRCFetchAdd},
}

// Lookup finds a test by name.
func Lookup(name string) (int, bool) {
	for i, t := range Tests {
		if t.Name == name {
			return i, true
		}
	}
	return 0, false
}

var (
	ErrUnknownTest = errors.New("bench: unknown test")
	errQuit        = errors.New("bench: server quit requested")
)

// Env is the per-test execution context threaded through every driver.
type Env struct {
	Conn     *control.Conn
	Params   *param.Table
	Req      *control.Request // effective local view
	LStat    *stats.Stat
	RStat    *stats.Stat // peer's block after the exchange
	Run      *timing.Run
	IsClient bool

	ServerName string // client only
	TestName   string
	Backend    rdma.Backend
	Throttle   *ratelimit.Throttle

	Successful bool
	Verbosity  int
	DebugOn    bool
	Out        io.Writer
	ErrOut     io.Writer

	barrierOK bool
}

func (e *Env) debugf(format string, a ...any) {
	if e.DebugOn {
		fmt.Fprintf(e.ErrOut, "debug: "+format+"\n", a...)
	}
}

// sendRequest ships the remote parameter view to the server. Only the
// client originates requests; on the server this is a no-op so flipped
// drivers stay symmetric.
func (e *Env) sendRequest() error {
	if !e.IsClient {
		return nil
	}
	r := e.Params.Remote
	r.VerMaj, r.VerMin, r.VerInc = control.VerMaj, control.VerMin, control.VerInc
	return e.Conn.SendRequest(r)
}

// syncTest runs the barrier and starts the test timer. A false return
// means the peer went away: the caller skips its measurement loop but
// still stops the timer and exchanges statistics, completing the control
// handshake.
func (e *Env) syncTest() bool {
	e.barrierOK = e.Conn.Synchronize()
	e.Run.Start(e.Req.Time)
	return e.barrierOK
}

// exchangeResults swaps statistics blocks with the peer; exactly once per
// test.
func (e *Env) exchangeResults() error {
	r, err := e.Conn.ExchangeResults(e.LStat, e.IsClient)
	if err != nil {
		return err
	}
	e.RStat = r
	return nil
}

// finish is the common tail of every measurement driver: stop the timer,
// record success, exchange statistics. The loop error, if any, wins over
// an exchange error.
func (e *Env) finish(loopErr error) error {
	e.Run.Stop()
	if loopErr == nil && e.barrierOK {
		e.Successful = true
	}
	exErr := e.exchangeResults()
	if loopErr != nil {
		return loopErr
	}
	return exErr
}

// setDefault installs a driver default for a parameter pair. Defaults are
// client decisions; the server runs with whatever the request negotiated.
func (e *Env) setDefault(loc, rem param.Index, v uint32) {
	if !e.IsClient {
		return
	}
	e.Params.Default(loc, v)
	e.Params.Default(rem, v)
}

// use marks parameters as consumed by the current driver.
func (e *Env) use(indices ...param.Index) {
	e.Params.Use(indices...)
}

// optCheck fails on client parameters that were set but never consumed.
func (e *Env) optCheck() error {
	if !e.IsClient {
		return nil
	}
	return e.Params.Validate(e.TestName)
}

// capReached reports whether the message cap ends the run.
func (e *Env) capReached() bool {
	return e.Req.NoMsgs > 0 && e.LStat.S.Msgs+e.LStat.S.Errs >= uint64(e.Req.NoMsgs)
}

// touchData pulls every cache line of a received buffer.
func touchData(b []byte) byte {
	var sum byte
	for i := 0; i < len(b); i += 64 {
		sum += b[i]
	}
	return sum
}

// ClientConfig is the parsed front-end configuration of a client run.
type ClientConfig struct {
	Host    string
	Port    int           // server control port
	Wait    time.Duration // keep retrying the control connect this long
	Timeout time.Duration
	Table   *param.Table // user-set parameter views
	Tests   []string

	Verbosity int
	Debug     bool
	MsgRate   uint64 // local pacing of bandwidth sends, msgs/s
	Backend   rdma.Backend
	Out       io.Writer
	ErrOut    io.Writer
}

// RunClient connects the control channel once and runs every requested
// test over it.
func RunClient(c *ClientConfig) error {
	out, errOut := c.Out, c.ErrOut
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	be := c.Backend
	if be == nil {
		be = rdma.DefaultBackend()
	}

	conn, err := control.Dial(c.Host, c.Port, c.Wait, c.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	sampler, err := cpustat.NewSampler()
	if err == nil {
		defer sampler.Close()
	} else {
		sampler = nil
	}

	for _, name := range c.Tests {
		idx, ok := Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTest, name)
		}
		tbl := c.Table.Clone()
		tbl.Remote.TestIndex = uint16(idx)
		conn.SetTimeout(time.Duration(tbl.Local.Timeout) * time.Second)

		env := &Env{
			Conn:       conn,
			Params:     tbl,
			Req:        tbl.Local,
			LStat:      stats.New(),
			IsClient:   true,
			ServerName: c.Host,
			TestName:   name,
			Backend:    be,
			Throttle:   ratelimit.New(c.MsgRate),
			Verbosity:  c.Verbosity,
			DebugOn:    c.Debug,
			Out:        out,
			ErrOut:     errOut,
		}
		env.Run = timing.New(env.LStat, sampler)
		if err := commonParams(env); err != nil {
			return err
		}

		fn := Tests[idx].Client
		if env.Req.Flip != 0 {
			fn = Tests[idx].Server
			if err := env.sendRequest(); err != nil {
				return err
			}
		}
		if err := fn(env); err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", name, err)
			return err
		}
		if !env.Successful {
			return fmt.Errorf("bench: test %s was unsuccessful", name)
		}
		showResults(env, Tests[idx].Kind)
	}
	return nil
}

// ServerConfig is the parsed front-end configuration of a server run.
type ServerConfig struct {
	Port     int
	Listener net.Listener // optional pre-bound control listener

	Verbosity int
	Debug     bool
	Backend   rdma.Backend
	Out       io.Writer
	ErrOut    io.Writer

	// Once serves a single control connection and returns; the in-process
	// test pairs run this way.
	Once bool
}

// RunServer accepts control connections and serves the requested tests
// until a quit request arrives.
func RunServer(c *ServerConfig) error {
	out, errOut := c.Out, c.ErrOut
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	be := c.Backend
	if be == nil {
		be = rdma.DefaultBackend()
	}

	l := c.Listener
	if l == nil {
		var err error
		if l, err = control.Listen(c.Port); err != nil {
			return err
		}
		defer l.Close()
	}

	sampler, err := cpustat.NewSampler()
	if err == nil {
		defer sampler.Close()
	} else {
		sampler = nil
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accepting control connection: %w", err)
		}
		conn := control.NewConn(nc, 0)
		quit := serveConn(conn, c, be, sampler, out, errOut)
		conn.Close()
		if quit || c.Once {
			return nil
		}
	}
}

// serveConn runs tests for one client until it disconnects. Returns true
// on a quit request.
func serveConn(conn *control.Conn, c *ServerConfig, be rdma.Backend,
	sampler *cpustat.Sampler, out, errOut io.Writer) bool {

	for {
		req, err := conn.RecvRequest()
		if err != nil {
			if !errors.Is(err, control.ErrPeerClosed) {
				fmt.Fprintf(errOut, "control channel: %v\n", err)
			}
			return false
		}
		if int(req.TestIndex) >= len(Tests) {
			fmt.Fprintf(errOut, "unknown test index %d\n", req.TestIndex)
			return false
		}
		test := Tests[req.TestIndex]
		conn.SetTimeout(time.Duration(req.Timeout) * time.Second)

		env := &Env{
			Conn:      conn,
			Params:    param.New(req, req),
			Req:       req,
			LStat:     stats.New(),
			TestName:  test.Name,
			Backend:   be,
			Verbosity: c.Verbosity,
			DebugOn:   c.Debug,
			Out:       out,
			ErrOut:    errOut,
		}
		env.Run = timing.New(env.LStat, sampler)
		if err := commonParams(env); err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", test.Name, err)
			return false
		}

		fn := test.Server
		if req.Flip != 0 {
			fn = test.Client
		}
		err = fn(env)
		if errors.Is(err, errQuit) {
			return true
		}
		if err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", test.Name, err)
			return false
		}
	}
}

// commonParams consumes the parameters every test honors and applies the
// processor affinity.
func commonParams(e *Env) error {
	e.use(param.LFlip, param.RFlip, param.LTime, param.RTime,
		param.LTimeout, param.RTimeout, param.LAffinity, param.RAffinity)
	if e.Req.Affinity == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Set(int(e.Req.Affinity - 1))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("setting processor affinity: %w", err)
	}
	return nil
}
