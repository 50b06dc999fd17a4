// Package sock provides the raw stream and datagram sockets the socket
// tests measure over: TCP and SDP streams, UDP and RDS datagrams. The net
// package cannot open the SDP and RDS address families, so everything here
// is built directly on file descriptors from golang.org/x/sys/unix.
//
// Sockets are non-blocking; every operation parks in poll(2) until the fd
// is ready. A Socket carries an optional Finished func that is checked on
// each poll wakeup so the duration alarm can cancel blocked I/O.
package sock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind selects the transport of a data socket.
type Kind int

const (
	TCP Kind = iota
	SDP
	UDP
	RDS
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "TCP"
	case SDP:
		return "SDP"
	case UDP:
		return "UDP"
	case RDS:
		return "RDS"
	}
	return "unknown"
}

// Stream reports whether the kind is connection oriented with byte-stream
// semantics.
func (k Kind) Stream() bool { return k == TCP || k == SDP }

// afSDP is the Sockets Direct Protocol address family.
const afSDP = 27

// rdsFallbackFamily is used when the kernel does not publish pf_rds.
const rdsFallbackFamily = 21

// rdsProcPath publishes the RDS protocol family number on kernels where the
// headers do not define AF_RDS.
const rdsProcPath = "/proc/sys/net/rds/pf_rds"

// RDSFamily returns the RDS address family of the running kernel.
func RDSFamily() int {
	b, err := os.ReadFile(rdsProcPath)
	if err != nil {
		return rdsFallbackFamily
	}
	return parseRDSFamily(b)
}

func parseRDSFamily(b []byte) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n <= 0 {
		return rdsFallbackFamily
	}
	return n
}

func family(k Kind) int {
	switch k {
	case SDP:
		return afSDP
	case RDS:
		return RDSFamily()
	}
	return unix.AF_INET
}

func socktype(k Kind) int {
	switch k {
	case TCP, SDP:
		return unix.SOCK_STREAM
	case RDS:
		return unix.SOCK_SEQPACKET
	}
	return unix.SOCK_DGRAM
}

var (
	ErrFinished = errors.New("sock: test finished")
	ErrResolve  = errors.New("sock: cannot resolve host")
)

// pollInterval bounds how long a blocked operation sleeps before rechecking
// the finished flag.
const pollInterval = 100 // ms

// Socket is one non-blocking data socket.
type Socket struct {
	fd   int
	kind Kind

	// Finished is polled while an operation waits for readiness. When it
	// returns true the operation gives up with ErrFinished. Nil means wait
	// indefinitely.
	Finished func() bool
}

func newSocket(k Kind) (*Socket, error) {
	fd, err := unix.Socket(family(k), socktype(k)|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s socket: %w", k, err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if k.Stream() {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return &Socket{fd: fd, kind: k}, nil
}

// Connect opens a data socket of the given kind and connects it to
// host:port.
func Connect(k Kind, host string, port int) (*Socket, error) {
	sa, err := resolve(host, port)
	if err != nil {
		return nil, err
	}
	s, err := newSocket(k)
	if err != nil {
		return nil, err
	}
	if err := s.connect(sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("connecting %s to %s:%d: %w", k, host, port, err)
	}
	return s, nil
}

func (s *Socket) connect(sa unix.Sockaddr) error {
	for {
		err := unix.Connect(s.fd, sa)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY):
			if err := s.wait(unix.POLLOUT); err != nil {
				return err
			}
			soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				return err
			}
			if soerr != 0 {
				return unix.Errno(soerr)
			}
			return nil
		case errors.Is(err, unix.EISCONN):
			return nil
		default:
			return err
		}
	}
}

// Bind opens a datagram socket of the given kind bound to addr:port. An
// empty addr binds all addresses; port 0 picks an ephemeral port.
func Bind(k Kind, addr string, port int) (*Socket, error) {
	var sa unix.Sockaddr
	if addr == "" {
		sa = &unix.SockaddrInet4{Port: port}
	} else {
		resolved, err := resolve(addr, port)
		if err != nil {
			return nil, err
		}
		sa = resolved
	}
	s, err := newSocket(k)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("binding %s socket: %w", k, err)
	}
	return s, nil
}

// Listener accepts one stream connection for a test.
type Listener struct {
	fd   int
	kind Kind
}

// Listen binds a stream socket of the given kind on all addresses and
// listens. Port 0 picks an ephemeral port.
func Listen(k Kind, port int) (*Listener, error) {
	s, err := newSocket(k)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(s.fd, &unix.SockaddrInet4{Port: port}); err != nil {
		s.Close()
		return nil, fmt.Errorf("binding %s socket: %w", k, err)
	}
	if err := unix.Listen(s.fd, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("listening on %s socket: %w", k, err)
	}
	return &Listener{fd: s.fd, kind: k}, nil
}

// Port returns the bound local port.
func (l *Listener) Port() (uint32, error) { return localPort(l.fd) }

// Accept waits for the peer and returns the accepted data socket.
func (l *Listener) Accept() (*Socket, error) {
	s := &Socket{fd: l.fd, kind: l.kind}
	for {
		fd, _, err := unix.Accept(l.fd)
		switch {
		case err == nil:
			_ = unix.SetNonblock(fd, true)
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return &Socket{fd: fd, kind: l.kind}, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLIN); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("accepting %s connection: %w", l.kind, err)
		}
	}
}

// Close releases the listening socket.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// Close releases the socket.
func (s *Socket) Close() error { return unix.Close(s.fd) }

// Kind returns the transport of the socket.
func (s *Socket) Kind() Kind { return s.kind }

// Port returns the bound local port.
func (s *Socket) Port() (uint32, error) { return localPort(s.fd) }

// LocalIP returns the literal local address of a connected socket.
func (s *Socket) LocalIP() (string, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", fmt.Errorf("getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("sock: unexpected address family")
	}
	return net.IP(sa4.Addr[:]).String(), nil
}

// SetBufferSize sets both the send and receive socket buffer sizes. Zero
// leaves the kernel defaults in place.
func (s *Socket) SetBufferSize(n int) error {
	if n == 0 {
		return nil
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n); err != nil {
		return fmt.Errorf("setting send buffer size: %w", err)
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n); err != nil {
		return fmt.Errorf("setting receive buffer size: %w", err)
	}
	return nil
}

// SendFull writes the whole of b to a stream socket, returning early with
// ErrFinished if the run ends mid-message.
func (s *Socket) SendFull(b []byte) (int, error) {
	sent := 0
	for sent < len(b) {
		n, err := unix.Write(s.fd, b[sent:])
		switch {
		case err == nil:
			sent += n
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLOUT); err != nil {
				return sent, err
			}
		default:
			return sent, err
		}
	}
	return sent, nil
}

// RecvFull reads exactly len(b) bytes from a stream socket. A zero-byte
// read means the peer closed the stream and is reported as io.EOF.
func (s *Socket) RecvFull(b []byte) (int, error) {
	got := 0
	for got < len(b) {
		n, err := unix.Read(s.fd, b[got:])
		switch {
		case err == nil && n == 0:
			return got, io.EOF
		case err == nil:
			got += n
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLIN); err != nil {
				return got, err
			}
		default:
			return got, err
		}
	}
	return got, nil
}

// Send writes one datagram.
func (s *Socket) Send(b []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLOUT); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// Recv reads one datagram.
func (s *Socket) Recv(b []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLIN); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// RecvFrom reads one datagram and returns the source address, for echoing.
func (s *Socket) RecvFrom(b []byte) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, b, 0)
		switch {
		case err == nil:
			return n, from, nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLIN); err != nil {
				return 0, nil, err
			}
		default:
			return 0, nil, err
		}
	}
}

// SendTo writes one datagram to the given address.
func (s *Socket) SendTo(b []byte, to unix.Sockaddr) (int, error) {
	for {
		err := unix.Sendto(s.fd, b, 0, to)
		switch {
		case err == nil:
			return len(b), nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := s.wait(unix.POLLOUT); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// wait parks in poll until the fd is ready for events, rechecking Finished
// on every wakeup.
func (s *Socket) wait(events int16) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		if s.Finished != nil && s.Finished() {
			return ErrFinished
		}
		n, err := unix.Poll(fds, pollInterval)
		switch {
		case err == nil && n > 0:
			return nil
		case err == nil:
			// Timed out; recheck the finished flag.
		case errors.Is(err, unix.EINTR):
		default:
			return err
		}
	}
}

func localPort(fd int) (uint32, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return uint32(sa.Port), nil
	case *unix.SockaddrInet6:
		return uint32(sa.Port), nil
	}
	return 0, fmt.Errorf("sock: unexpected address family")
}

func resolve(host string, port int) (unix.Sockaddr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			return sa, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: no IPv4 address", ErrResolve, host)
}
