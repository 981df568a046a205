package ike

import (
	"io"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/msgboxio/log"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn abstracts the one thing the session event loop needs from the
// network: read a datagram with its destination address, write a reply to
// a given peer.
type Conn interface {
	ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error)
	WritePacket(reply []byte, remoteAddr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

type pconnV4 ipv4.PacketConn
type pconnV6 ipv6.PacketConn

func (c *pconnV4) Close() error    { return c.Conn.Close() }
func (c *pconnV4) LocalAddr() net.Addr { return c.Conn.LocalAddr() }
func (c *pconnV6) Close() error    { return c.Conn.Close() }
func (c *pconnV6) LocalAddr() net.Addr { return c.Conn.LocalAddr() }

var ErrorUdpOnly = errors.New("only udp is supported for now")

// checkV4onX works around a macOS quirk: a dual-stack bind on a v4 address
// doesn't hand back the source IP in the control message.
func checkV4onX(address string) (bool, error) {
	if runtime.GOOS != "darwin" {
		return false, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return false, err
	}
	return addr.IP.To16() == nil, nil
}

// Listen opens a UDP socket with source/destination address tracking
// enabled, so the dispatcher can see which local IP a request arrived on
// (needed when the host has more than one IKE-bearing address).
func Listen(network, address string) (Conn, error) {
	isV4, err := checkV4onX(address)
	if err != nil {
		return nil, err
	}
	if isV4 {
		return listenUDP4(address)
	}
	switch network {
	case "udp4":
		return listenUDP4(address)
	case "udp6", "udp":
		return listenUDP6(address)
	}
	return nil, ErrorUdpOnly
}

func listenUDP4(localString string) (p4 *pconnV4, err error) {
	udp, err := net.ListenPacket("udp4", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv4.NewPacketConn(udp)
	cf := ipv4.FlagTTL | ipv4.FlagSrc | ipv4.FlagDst | ipv4.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			log.Warningf("udp source address detection not supported on %s", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return (*pconnV4)(p), nil
}

func listenUDP6(localString string) (p6 *pconnV6, err error) {
	udp, err := net.ListenPacket("udp", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv6.NewPacketConn(udp)
	cf := ipv6.FlagSrc | ipv6.FlagDst | ipv6.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			log.Warningf("udp source address detection not supported on %s", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return (*pconnV6)(p), nil
}

func (p *pconnV4) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, 3000)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV6) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, 3000)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV4) WritePacket(reply []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(reply, nil, remoteAddr)
	if err != nil {
		return err
	} else if n != len(reply) {
		return io.ErrShortWrite
	}
	return nil
}

func (p *pconnV6) WritePacket(reply []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(reply, nil, remoteAddr)
	if err != nil {
		return err
	} else if n != len(reply) {
		return io.ErrShortWrite
	}
	return nil
}

// copied from golang.org/x/net/internal/nettest: that package is internal
// and can't be imported directly.
func protocolNotSupported(err error) bool {
	switch err := err.(type) {
	case syscall.Errno:
		switch err {
		case syscall.EPROTONOSUPPORT, syscall.ENOPROTOOPT:
			return true
		}
	case *os.SyscallError:
		switch err := err.Err.(type) {
		case syscall.Errno:
			switch err {
			case syscall.EPROTONOSUPPORT, syscall.ENOPROTOOPT:
				return true
			}
		}
	}
	return false
}
