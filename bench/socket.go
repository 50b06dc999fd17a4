package bench

import (
	"errors"
	"io"

	"github.com/qbench/qbench-go/param"
	"github.com/qbench/qbench-go/sock"
)

// Default message sizes of the socket tests.
const (
	streamBWSize   = 64 * 1024
	datagramBWSize = 32 * 1024
	latSize        = 1
)

func clientTCPBW(e *Env) error {
	e.use(param.LAccessRecv, param.RAccessRecv)
	if err := e.ipParams(streamBWSize, true); err != nil {
		return err
	}
	return e.streamClientBW(sock.TCP)
}

func serverTCPBW(e *Env) error { return e.streamServerBW(sock.TCP) }

func clientTCPLat(e *Env) error {
	if err := e.ipParams(latSize, false); err != nil {
		return err
	}
	return e.streamClientLat(sock.TCP)
}

func serverTCPLat(e *Env) error { return e.streamServerLat(sock.TCP) }

func clientSDPBW(e *Env) error {
	e.use(param.LAccessRecv, param.RAccessRecv)
	if err := e.ipParams(streamBWSize, true); err != nil {
		return err
	}
	return e.streamClientBW(sock.SDP)
}

func serverSDPBW(e *Env) error { return e.streamServerBW(sock.SDP) }

func clientSDPLat(e *Env) error {
	if err := e.ipParams(latSize, false); err != nil {
		return err
	}
	return e.streamClientLat(sock.SDP)
}

func serverSDPLat(e *Env) error { return e.streamServerLat(sock.SDP) }

func clientUDPBW(e *Env) error {
	e.use(param.LAccessRecv, param.RAccessRecv)
	if err := e.ipParams(datagramBWSize, true); err != nil {
		return err
	}
	return e.datagramClientBW(sock.UDP, e.datagramClientInit)
}

func serverUDPBW(e *Env) error {
	return e.datagramServerBW(sock.UDP, e.datagramServerInit)
}

func clientUDPLat(e *Env) error {
	if err := e.ipParams(latSize, false); err != nil {
		return err
	}
	return e.datagramClientLat(sock.UDP, e.datagramClientInit)
}

func serverUDPLat(e *Env) error {
	return e.datagramServerLat(sock.UDP, e.datagramServerInit)
}

// ipParams installs the socket-test defaults and validates the option set.
func (e *Env) ipParams(defaultSize uint32, bw bool) error {
	e.setDefault(param.LMsgSize, param.RMsgSize, defaultSize)
	e.use(param.LMsgSize, param.RMsgSize,
		param.LPort, param.RPort,
		param.LSockBufSize, param.RSockBufSize)
	if bw {
		e.use(param.LNoMsgs, param.RNoMsgs)
	}
	return e.optCheck()
}

// socketInit is the transport-specific data-socket setup of one side.
type socketInit func(kind sock.Kind) (*sock.Socket, error)

// streamClientInit sends the request, learns the server's data port over
// the control channel and connects to it.
func (e *Env) streamClientInit(kind sock.Kind) (*sock.Socket, error) {
	if err := e.sendRequest(); err != nil {
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
	if e.DebugOn {
		lport, _ := s.Port()
		e.debugf("sending from %s port %d to %d", kind, lport, rport)
	}
	return s, nil
}

// streamServerInit binds the data port, publishes it over the control
// channel and accepts the one client.
func (e *Env) streamServerInit(kind sock.Kind) (*sock.Socket, error) {
	l, err := sock.Listen(kind, int(e.Req.Port))
	if err != nil {
		return nil, err
	}
	defer l.Close()
	port, err := l.Port()
	if err != nil {
		return nil, err
	}
	if err := e.Conn.SendPort(port); err != nil {
		return nil, err
	}
	s, err := l.Accept()
	if err != nil {
		return nil, err
	}
	if err := s.SetBufferSize(int(e.Req.SockBufSize)); err != nil {
		s.Close()
		return nil, err
	}
	s.Finished = e.Run.Finished
	e.debugf("accepted %s connection on port %d", kind, port)
	return s, nil
}

func (e *Env) datagramClientInit(kind sock.Kind) (*sock.Socket, error) {
	return e.streamClientInit(kind)
}

func (e *Env) datagramServerInit(kind sock.Kind) (*sock.Socket, error) {
	s, err := sock.Bind(kind, "", int(e.Req.Port))
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

func (e *Env) streamClientBW(kind sock.Kind) error {
	s, err := e.streamClientInit(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	buf := make([]byte, e.Req.MsgSize)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.SendFull(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.S.Errs++
				continue
			}
			e.LStat.S.Bytes += uint64(n)
			e.LStat.S.Msgs++
			if e.capReached() {
				e.Run.Finish()
				break
			}
			e.Throttle.ThrottleN(1)
		}
	}
	return e.finish(nil)
}

func (e *Env) streamServerBW(kind sock.Kind) error {
	s, err := e.streamServerInit(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	buf := make([]byte, e.Req.MsgSize)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.RecvFull(buf)
			if errors.Is(err, io.EOF) {
				e.Run.Finish()
			}
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++
			if e.Req.AccessRecv != 0 {
				touchData(buf)
			}
		}
	}
	return e.finish(nil)
}

func (e *Env) streamClientLat(kind sock.Kind) error {
	s, err := e.streamClientInit(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	buf := make([]byte, e.Req.MsgSize)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.SendFull(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.S.Errs++
				continue
			}
			e.LStat.S.Bytes += uint64(n)
			e.LStat.S.Msgs++

			n, err = s.RecvFull(buf)
			if errors.Is(err, io.EOF) {
				e.Run.Finish()
			}
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++
		}
	}
	return e.finish(nil)
}

func (e *Env) streamServerLat(kind sock.Kind) error {
	s, err := e.streamServerInit(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	buf := make([]byte, e.Req.MsgSize)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.RecvFull(buf)
			if errors.Is(err, io.EOF) {
				e.Run.Finish()
			}
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++

			n, err = s.SendFull(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil {
				e.LStat.S.Errs++
				continue
			}
			e.LStat.S.Bytes += uint64(n)
			e.LStat.S.Msgs++
		}
	}
	return e.finish(nil)
}

// Datagram loops. A datagram transfer succeeds only when the byte count
// equals the message size; anything else counts as an error.

func (e *Env) datagramClientBW(kind sock.Kind, init socketInit) error {
	s, err := init(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	size := int(e.Req.MsgSize)
	buf := make([]byte, size)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.Send(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.S.Errs++
			} else {
				e.LStat.S.Bytes += uint64(n)
				e.LStat.S.Msgs++
			}
			if e.capReached() {
				e.Run.Finish()
				break
			}
			e.Throttle.ThrottleN(1)
		}
	}
	return e.finish(nil)
}

func (e *Env) datagramServerBW(kind sock.Kind, init socketInit) error {
	s, err := init(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	size := int(e.Req.MsgSize)
	buf := make([]byte, size)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.Recv(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++
			if e.Req.AccessRecv != 0 {
				touchData(buf)
			}
		}
	}
	return e.finish(nil)
}

func (e *Env) datagramClientLat(kind sock.Kind, init socketInit) error {
	s, err := init(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	size := int(e.Req.MsgSize)
	buf := make([]byte, size)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, err := s.Send(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.S.Errs++
				continue
			}
			e.LStat.S.Bytes += uint64(n)
			e.LStat.S.Msgs++

			n, err = s.Recv(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++
		}
	}
	return e.finish(nil)
}

// datagramServerLat echoes each datagram to the source address of the most
// recent one.
func (e *Env) datagramServerLat(kind sock.Kind, init socketInit) error {
	s, err := init(kind)
	if err != nil {
		return err
	}
	defer s.Close()
	size := int(e.Req.MsgSize)
	buf := make([]byte, size)
	if e.syncTest() {
		for !e.Run.Finished() {
			n, from, err := s.RecvFrom(buf)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.R.Errs++
				continue
			}
			e.LStat.R.Bytes += uint64(n)
			e.LStat.R.Msgs++

			n, err = s.SendTo(buf[:n], from)
			if e.Run.Finished() {
				break
			}
			if err != nil || n != size {
				e.LStat.S.Errs++
				continue
			}
			e.LStat.S.Bytes += uint64(n)
			e.LStat.S.Msgs++
		}
	}
	return e.finish(nil)
}
