// Package control implements the TCP control channel between the two
// benchmark processes: the test request, fixed-length messages, the barrier
// that releases both measurement loops, and the final statistics exchange.
//
// Any I/O error on the control channel is fatal for the current test; the
// data path never carries control state.
package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/qbench/qbench-go/stats"
	"github.com/qbench/qbench-go/wire"
)

// DefaultPort is the well-known control-channel port.
const DefaultPort = 19765

var ErrPeerClosed = errors.New("control: peer closed the channel")

// Conn is one side of the control channel.
type Conn struct {
	c       net.Conn
	timeout time.Duration
}

// NewConn wraps an established stream. timeout bounds every control
// operation; zero means no deadline.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Conn{c: c, timeout: timeout}
}

// Dial connects to the server's control port. If wait is positive the
// connect is retried until it succeeds or wait elapses.
func Dial(host string, port int, wait, timeout time.Duration) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(wait)
	for {
		c, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return NewConn(c, timeout), nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		time.Sleep(time.Second)
	}
}

// Listen binds the control port on all addresses.
func Listen(port int) (net.Listener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("binding control port %d: %w", port, err)
	}
	return l, nil
}

// SetTimeout changes the per-operation deadline, typically once the
// negotiated Request.Timeout is known.
func (c *Conn) SetTimeout(d time.Duration) { c.timeout = d }

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.c.Close() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

// SendMesg writes b fully. label names the message in errors.
func (c *Conn) SendMesg(b []byte, label string) error {
	c.deadline()
	if _, err := c.c.Write(b); err != nil {
		return fmt.Errorf("sending %s: %w", label, err)
	}
	return nil
}

// RecvMesg fills b fully. label names the message in errors.
func (c *Conn) RecvMesg(b []byte, label string) error {
	c.deadline()
	if _, err := io.ReadFull(c.c, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("receiving %s: %w", label, ErrPeerClosed)
		}
		return fmt.Errorf("receiving %s: %w", label, err)
	}
	return nil
}

// SendRequest serializes and writes a request (client side).
func (c *Conn) SendRequest(r *Request) error {
	enc := wire.NewEncoder(make([]byte, 0, RequestWireSize))
	r.Encode(enc)
	return c.SendMesg(enc.Bytes(), "request")
}

// RecvRequest reads and validates a request (server side). The version is
// read and checked first so a mismatched peer gets a clean refusal before
// the server commits to the full request length.
func (c *Conn) RecvRequest() (*Request, error) {
	buf := make([]byte, RequestWireSize)
	if err := c.RecvMesg(buf[:versionWireSize], "request version"); err != nil {
		return nil, err
	}
	var r Request
	d := wire.NewDecoder(buf[:versionWireSize])
	r.VerMaj = uint16(d.Uint(2))
	r.VerMin = uint16(d.Uint(2))
	r.VerInc = uint16(d.Uint(2))
	if err := r.CheckVersion(); err != nil {
		return nil, err
	}
	if err := c.RecvMesg(buf[versionWireSize:], "request data"); err != nil {
		return nil, err
	}
	if err := r.Decode(wire.NewDecoder(buf)); err != nil {
		return nil, err
	}
	return &r, nil
}

// Synchronize is the two-way barrier released immediately before both sides
// start their measurement loop: each side writes one byte, then reads one.
// It returns false if the peer closed the channel early.
func (c *Conn) Synchronize() bool {
	if err := c.SendMesg([]byte{1}, "synchronization"); err != nil {
		return false
	}
	var b [1]byte
	return c.RecvMesg(b[:], "synchronization") == nil
}

// ExchangeResults swaps statistics blocks. The client writes first and then
// reads; the server does the reverse. Exactly one exchange happens per test.
func (c *Conn) ExchangeResults(local *stats.Stat, client bool) (*stats.Stat, error) {
	send := func() error {
		enc := wire.NewEncoder(make([]byte, 0, stats.WireSize))
		local.Encode(enc)
		return c.SendMesg(enc.Bytes(), "results")
	}
	recv := func() (*stats.Stat, error) {
		buf := make([]byte, stats.WireSize)
		if err := c.RecvMesg(buf, "results"); err != nil {
			return nil, err
		}
		var remote stats.Stat
		if err := remote.Decode(wire.NewDecoder(buf)); err != nil {
			return nil, err
		}
		return &remote, nil
	}

	if client {
		if err := send(); err != nil {
			return nil, err
		}
		return recv()
	}
	remote, err := recv()
	if err != nil {
		return nil, err
	}
	return remote, send()
}

// SendConf writes an endpoint description (conf test).
func (c *Conn) SendConf(conf *Conf) error {
	enc := wire.NewEncoder(make([]byte, 0, ConfWireSize))
	conf.Encode(enc)
	return c.SendMesg(enc.Bytes(), "configuration")
}

// RecvConf reads an endpoint description (conf test).
func (c *Conn) RecvConf() (*Conf, error) {
	buf := make([]byte, ConfWireSize)
	if err := c.RecvMesg(buf, "configuration"); err != nil {
		return nil, err
	}
	var conf Conf
	if err := conf.Decode(wire.NewDecoder(buf)); err != nil {
		return nil, err
	}
	return &conf, nil
}

// SendPort ships a negotiated data port.
func (c *Conn) SendPort(port uint32) error {
	enc := wire.NewEncoder(make([]byte, 0, 4))
	enc.Uint(uint64(port), 4)
	return c.SendMesg(enc.Bytes(), "port")
}

// RecvPort reads a negotiated data port.
func (c *Conn) RecvPort() (uint32, error) {
	var buf [4]byte
	if err := c.RecvMesg(buf[:], "port"); err != nil {
		return 0, err
	}
	return uint32(wire.NewDecoder(buf[:]).Uint(4)), nil
}

func (c *Conn) deadline() {
	if c.timeout > 0 {
		_ = c.c.SetDeadline(time.Now().Add(c.timeout))
	}
}
