package ike

import (
	"bytes"
	"net"

	"github.com/quietkey/ikev2/protocol"
)

// NarrowSelectors implements the responder side of RFC 7296 §2.9 traffic
// selector narrowing: for each proposed selector from the initiator, pick
// the overlapping sub-range the responder is willing to grant. This is a
// feature the distilled core spec only gestures at ("IPsec algorithm
// choices" in the Child SA data model) but a complete dispatcher needs it
// to decide TS_UNACCEPTABLE vs a narrowed accept on CREATE_CHILD_SA/AUTH.
func NarrowSelectors(proposed, allowed []*protocol.Selector) (narrowed []*protocol.Selector, ok bool) {
	for _, p := range proposed {
		var best *protocol.Selector
		for _, a := range allowed {
			if n, overlap := intersect(p, a); overlap {
				best = n
				break
			}
		}
		if best == nil {
			continue
		}
		narrowed = append(narrowed, best)
	}
	return narrowed, len(narrowed) > 0
}

func intersect(p, a *protocol.Selector) (*protocol.Selector, bool) {
	if p.Type != a.Type || p.IpProtocolId != 0 && a.IpProtocolId != 0 && p.IpProtocolId != a.IpProtocolId {
		return nil, false
	}
	start := maxIP(p.StartAddress, a.StartAddress)
	end := minIP(p.EndAddress, a.EndAddress)
	if start == nil || end == nil || bytes.Compare(start, end) > 0 {
		return nil, false
	}
	startPort := maxU16(p.StartPort, a.StartPort)
	endPort := minU16(p.Endport, a.Endport)
	if startPort > endPort {
		return nil, false
	}
	proto := p.IpProtocolId
	if proto == 0 {
		proto = a.IpProtocolId
	}
	return &protocol.Selector{
		Type:         p.Type,
		IpProtocolId: proto,
		StartPort:    startPort,
		Endport:      endPort,
		StartAddress: start,
		EndAddress:   end,
	}, true
}

func maxIP(a, b net.IP) net.IP {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func minIP(a, b net.IP) net.IP {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// AssignIpcompCpi picks a locally-unique CPI for an IPComp-enabled child
// SA. CPIs are 16-bit and, per RFC 3173, distinct from the SPI space; a
// simple counter is enough for one responder process (spec.md §3 "optional
// IPcomp CPI").
var ipcompCpiCounter uint32 = 256 // low values are reserved

func AssignIpcompCpi() uint16 {
	ipcompCpiCounter++
	return uint16(ipcompCpiCounter & 0xffff)
}
