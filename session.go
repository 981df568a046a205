package ike

import (
	"net"

	"github.com/msgboxio/context"
	"github.com/msgboxio/log"
)

// Session owns one Conn and the Dispatcher it feeds: the single-threaded
// cooperative event loop named in spec.md §5. Nothing here runs
// concurrently with a dispatcher call; Send is wired straight to the
// socket, so every handler's write happens inline with the read that
// triggered it.
type Session struct {
	context.Context
	cancel context.CancelFunc

	conn Conn
	d    *Dispatcher
}

// NewSession wires a Dispatcher to a live Conn: every microcode's outbound
// write goes straight to the socket, addressed to whatever RemoteAddr the
// target SA (or, for pre-SA replies, the inbound digest) carries. parent
// governs shutdown: canceling it (or calling the returned Session's Close)
// stops Run once the in-flight ReadPacket returns.
func NewSession(parent context.Context, conn Conn, d *Dispatcher) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{Context: ctx, cancel: cancel, conn: conn, d: d}
	d.Send = func(remote net.Addr, packet []byte) error {
		if remote == nil {
			return nil // no peer to reply to (e.g. AdvanceReplied bookkeeping with no response built)
		}
		return conn.WritePacket(packet, remote)
	}
	return s
}

// Close cancels the session's context and closes the underlying Conn,
// unblocking a pending ReadPacket in Run.
func (s *Session) Close() error {
	s.cancel(context.Canceled)
	return s.conn.Close()
}

// Run reads datagrams until the connection closes or the session's context
// is canceled. Malformed packets and handler panics from a single bad peer
// never stop the loop.
func (s *Session) Run() error {
	for {
		select {
		case <-s.Done():
			return s.Err()
		default:
		}
		b, remote, local, err := s.conn.ReadPacket()
		if err != nil {
			return err
		}
		localAddr := net.Addr(s.conn.LocalAddr())
		if local != nil {
			if udp, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
				localAddr = &net.UDPAddr{IP: local, Port: udp.Port}
			}
		}
		s.handleOne(b, remote, localAddr)
	}
}

// handleOne isolates one inbound datagram's processing so a decode or
// handler panic (a malformed proposal table, an unexpected nil) can never
// take the whole session down.
func (s *Session) handleOne(b []byte, remote, local net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic handling packet from %s: %v", remote, r)
		}
	}()
	s.d.HandleInbound(b, remote, local)
}
