package ike

import (
	"github.com/quietkey/ikev2/protocol"
)

// encodeSingleNotify produces the complete wire bytes for a message whose
// only payload is a single N(code); optionally wrapped in SK when tkm is
// non-nil (spec.md §7 "within SK where possible").
func encodeSingleNotify(spiI, spiR protocol.Spi, exchange protocol.IkeExchangeType, isResponse, isInitiator bool, msgId uint32, code protocol.NotificationType, cookieData []byte, tkm *Tkm) []byte {
	n := &protocol.NotifyPayload{
		PayloadHeader:       &protocol.PayloadHeader{NextPayload: protocol.PayloadTypeNone},
		NotificationType:    code,
		NotificationMessage: cookieData,
	}
	body := n.Encode()
	notifyChain := append(protocol.EncodePayloadHeader(protocol.PayloadTypeN, false, uint16(len(body))), body...)

	firstPayload := protocol.PayloadTypeN
	payload := notifyChain

	if tkm != nil {
		hdr := &protocol.IkeHeader{
			SpiI: spiI, SpiR: spiR,
			NextPayload:  protocol.PayloadTypeSK,
			MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
			ExchangeType: exchange,
			MsgId:        msgId,
		}
		hdr.Flags = flagsFor(isResponse, isInitiator)
		headerBytes := hdr.Encode()
		skHeaderLen := protocol.PAYLOAD_HEADER_LENGTH
		skHeader := protocol.EncodePayloadHeader(protocol.PayloadTypeN, false, uint16(len(notifyChain)+tkm.suite.Overhead(notifyChain)-skHeaderLen))
		full, err := tkm.EncryptMac(append(headerBytes, skHeader...), notifyChain)
		if err != nil {
			return nil
		}
		patchLength(full)
		return full
	}

	hdr := &protocol.IkeHeader{
		SpiI: spiI, SpiR: spiR,
		NextPayload:  firstPayload,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: exchange,
		MsgId:        msgId,
	}
	hdr.Flags = flagsFor(isResponse, isInitiator)
	hdr.MsgLength = uint32(protocol.IKE_HEADER_LEN + len(payload))
	return append(hdr.Encode(), payload...)
}

func flagsFor(isResponse, isInitiator bool) protocol.IkeFlags {
	var f protocol.IkeFlags
	if isResponse {
		f |= protocol.RESPONSE
	}
	if isInitiator {
		f |= protocol.INITIATOR
	}
	return f
}

// patchLength rewrites the 4-byte MsgLength field in place once the final
// encrypted length is known.
func patchLength(b []byte) {
	if len(b) < protocol.IKE_HEADER_LEN {
		return
	}
	n := uint32(len(b))
	b[24] = byte(n >> 24)
	b[25] = byte(n >> 16)
	b[26] = byte(n >> 8)
	b[27] = byte(n)
}

// BuildNotifyResponse builds the logical N(code) response for sa/md
// (spec.md §7): encrypted under SK when the SA has keys, a bare outer
// notify otherwise (always true for IKE_SA_INIT-stage failures).
func BuildNotifyResponse(sa *IkeSa, md *MessageDigest, code protocol.NotificationType) []byte {
	var tkm *Tkm
	if sa.SkeyseedComputed {
		tkm, _ = sa.CryptoCollaborator.(*Tkm)
	}
	msgId := uint32(0)
	if md != nil && md.Header != nil {
		msgId = md.Header.MsgId
	}
	return encodeSingleNotify(sa.SpiI, sa.SpiR, exchangeOf(md), true, sa.IsInitiator, msgId, code, nil, tkm)
}

func exchangeOf(md *MessageDigest) protocol.IkeExchangeType {
	if md != nil && md.Header != nil {
		return md.Header.ExchangeType
	}
	return protocol.IKE_SA_INIT
}

// sendBareNotification replies to a pre-SA message (no SA exists yet, or
// could not be found): the responder's SPI is left empty, per RFC 7296
// §2.6 for a stateless reject.
func (d *Dispatcher) sendBareNotification(md *MessageDigest, code protocol.NotificationType) {
	if d.Send == nil {
		return
	}
	msg := encodeSingleNotify(md.Header.SpiI, nil, protocol.IKE_SA_INIT, true, false, md.Header.MsgId, code, nil, nil)
	if msg != nil {
		_ = d.Send(md.RemoteAddr, msg)
	}
}

// sendCookieNotification replies with N(COOKIE, cookie) to force a
// half-open initiator to prove reachability (RFC 7296 §2.6).
func (d *Dispatcher) sendCookieNotification(md *MessageDigest, cookie []byte) {
	if d.Send == nil {
		return
	}
	msg := encodeSingleNotify(md.Header.SpiI, nil, protocol.IKE_SA_INIT, true, false, md.Header.MsgId, protocol.COOKIE, cookie, nil)
	if msg != nil {
		_ = d.Send(md.RemoteAddr, msg)
	}
}

// encodePayloadChain concatenates an ordered list of payloads into one
// generic-header-prefixed chain, linking each payload's NextPayload to the
// one that follows (protocol.PayloadTypeNone for the last).
func encodePayloadChain(payloads []protocol.Payload) (first protocol.PayloadType, body []byte) {
	if len(payloads) == 0 {
		return protocol.PayloadTypeNone, nil
	}
	first = payloads[0].Type()
	for i, pl := range payloads {
		next := protocol.PayloadTypeNone
		if i+1 < len(payloads) {
			next = payloads[i+1].Type()
		}
		encoded := pl.Encode()
		body = append(body, protocol.EncodePayloadHeader(next, false, uint16(len(encoded)))...)
		body = append(body, encoded...)
	}
	return
}

// buildCleartextMessage assembles a full, unencrypted message: the IKE
// header followed by the payload chain, with MsgLength patched in.
func buildCleartextMessage(spiI, spiR protocol.Spi, exchange protocol.IkeExchangeType, isResponse, isInitiator bool, msgId uint32, payloads []protocol.Payload) []byte {
	first, body := encodePayloadChain(payloads)
	hdr := &protocol.IkeHeader{
		SpiI: spiI, SpiR: spiR,
		NextPayload:  first,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: exchange,
		MsgId:        msgId,
		Flags:        flagsFor(isResponse, isInitiator),
	}
	hdr.MsgLength = uint32(protocol.IKE_HEADER_LEN + len(body))
	return append(hdr.Encode(), body...)
}

// buildEncryptedMessage assembles a message whose payload chain is sealed
// inside one SK payload under tkm's current keys.
func buildEncryptedMessage(spiI, spiR protocol.Spi, exchange protocol.IkeExchangeType, isResponse, isInitiator bool, msgId uint32, payloads []protocol.Payload, tkm *Tkm) ([]byte, error) {
	firstInner, body := encodePayloadChain(payloads)
	hdr := &protocol.IkeHeader{
		SpiI: spiI, SpiR: spiR,
		NextPayload:  protocol.PayloadTypeSK,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: exchange,
		MsgId:        msgId,
		Flags:        flagsFor(isResponse, isInitiator),
	}
	headerBytes := hdr.Encode()
	skHeader := protocol.EncodePayloadHeader(firstInner, false, uint16(len(body)+tkm.suite.Overhead(body)-protocol.PAYLOAD_HEADER_LENGTH))
	full, err := tkm.EncryptMac(append(headerBytes, skHeader...), body)
	if err != nil {
		return nil, err
	}
	patchLength(full)
	return full, nil
}
