package bench

import (
	"fmt"
	"net"
	"strconv"

	"github.com/qbench/qbench-go/param"
	"github.com/qbench/qbench-go/sock"
)

// RDS binds to a specific interface address, so before the datagram socket
// can be set up each side has to learn its own IP as the peer sees it. A
// throwaway TCP rendezvous supplies the addresses: the server listens on
// an ephemeral port, publishes it over the control channel, and once the
// client connects each side reads the peer's address off the connection
// and mails it back over the control channel.

const rdsBWSize = 8 * 1024

func clientRDSBW(e *Env) error {
	if err := e.rdsParams(rdsBWSize, true); err != nil {
		return err
	}
	return e.datagramClientBW(sock.RDS, e.rdsClientInit)
}

func serverRDSBW(e *Env) error {
	return e.datagramServerBW(sock.RDS, e.rdsServerInit)
}

func clientRDSLat(e *Env) error {
	if err := e.rdsParams(latSize, false); err != nil {
		return err
	}
	return e.datagramClientLat(sock.RDS, e.rdsClientInit)
}

func serverRDSLat(e *Env) error {
	return e.datagramServerLat(sock.RDS, e.rdsServerInit)
}

func (e *Env) rdsParams(defaultSize uint32, bw bool) error {
	e.setDefault(param.LMsgSize, param.RMsgSize, defaultSize)
	e.use(param.LMsgSize, param.RMsgSize,
		param.LPort, param.RPort,
		param.LSockBufSize, param.RSockBufSize)
	if bw {
		e.use(param.LNoMsgs, param.RNoMsgs)
	}
	return e.optCheck()
}

// rdsClientInit learns the addresses over the rendezvous, then receives
// the server's RDS port and connects to it.
func (e *Env) rdsClientInit(kind sock.Kind) (*sock.Socket, error) {
	if err := e.sendRequest(); err != nil {
		return nil, err
	}
	if _, err := e.clientHosts(); err != nil {
		return nil, err
	}
	rport, err := e.Conn.RecvPort()
	if err != nil {
		return nil, err
	}
	s, err := sock.Connect(kind, e.ServerName, int(rport))
	if err != nil {
		return nil, err
	}
	if err := s.SetBufferSize(int(e.Req.SockBufSize)); err != nil {
		s.Close()
		return nil, err
	}
	s.Finished = e.Run.Finished
	return s, nil
}

// rdsServerInit learns its own address over the rendezvous, binds the RDS
// socket to it and publishes the bound port.
func (e *Env) rdsServerInit(kind sock.Kind) (*sock.Socket, error) {
	local, err := e.serverHosts()
	if err != nil {
		return nil, err
	}
	s, err := sock.Bind(kind, local, int(e.Req.Port))
	if err != nil {
		return nil, err
	}
	if err := s.SetBufferSize(int(e.Req.SockBufSize)); err != nil {
		s.Close()
		return nil, err
	}
	port, err := s.Port()
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := e.Conn.SendPort(port); err != nil {
		s.Close()
		return nil, err
	}
	s.Finished = e.Run.Finished
	return s, nil
}

// serverHosts runs the server half of the rendezvous and returns the
// server's own address.
func (e *Env) serverHosts() (string, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", fmt.Errorf("binding rendezvous socket: %w", err)
	}
	defer l.Close()
	port := uint32(l.Addr().(*net.TCPAddr).Port)
	if err := e.Conn.SendPort(port); err != nil {
		return "", err
	}
	c, err := l.Accept()
	if err != nil {
		return "", fmt.Errorf("accepting rendezvous connection: %w", err)
	}
	defer c.Close()

	clientIP, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return "", err
	}
	if err := e.sendHost(clientIP); err != nil {
		return "", err
	}
	return e.recvHost()
}

// clientHosts runs the client half of the rendezvous and returns the
// client's own address.
func (e *Env) clientHosts() (string, error) {
	port, err := e.Conn.RecvPort()
	if err != nil {
		return "", err
	}
	c, err := net.Dial("tcp", net.JoinHostPort(e.ServerName, strconv.Itoa(int(port))))
	if err != nil {
		return "", fmt.Errorf("connecting rendezvous socket: %w", err)
	}
	defer c.Close()

	serverIP, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return "", err
	}
	if err := e.sendHost(serverIP); err != nil {
		return "", err
	}
	return e.recvHost()
}

func (e *Env) sendHost(ip string) error {
	buf := make([]byte, hostWireSize)
	copy(buf, ip)
	return e.Conn.SendMesg(buf, "IP")
}

func (e *Env) recvHost() (string, error) {
	buf := make([]byte, hostWireSize)
	if err := e.Conn.RecvMesg(buf, "IP"); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// hostWireSize is the fixed field length of an exchanged address literal.
const hostWireSize = 64
