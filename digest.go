package ike

import (
	"net"

	"github.com/msgboxio/log"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// MaxDigests bounds how many payloads a single chain (outer or inner) may
// contain; the parser stops and reports INVALID_SYNTAX once it is reached
// rather than walking an attacker-supplied chain forever (spec.md §4.1 "roof
// counter").
const MaxDigests = 32

// PayloadSummary is the classifier's view of one parsed chain (spec.md §3).
type PayloadSummary struct {
	Parsed           bool
	Present          protocol.PayloadBitset
	Repeated         protocol.PayloadBitset
	NotificationCode protocol.NotificationType
	HasNotification  bool
}

// MessageDigest is the in-memory parsed representation of one inbound
// message (spec.md §3 "MD").
type MessageDigest struct {
	Raw        []byte
	Header     *protocol.IkeHeader
	RemoteAddr net.Addr
	LocalAddr  net.Addr

	Outer *protocol.Payloads // cleartext chain (nil until first needed)
	Inner *protocol.Payloads // chain inside SK/reassembled SKF (nil until decrypted)

	MessagePayloads   PayloadSummary
	EncryptedPayloads PayloadSummary

	Sa          *IkeSa
	Microcode   *state.Microcode
	OriginState state.FiniteState

	// InnerFirstPayload is the next-payload type of the first inner payload:
	// the SK payload header's NextPayload (SK) or latched from fragment #1
	// (reassembled SKF); ParseInner needs
	// it and the dispatcher is the one that knows which source to use.
	InnerFirstPayload protocol.PayloadType
}

// decodeChain walks the next-payload linked list starting at `first`,
// stopping at PayloadTypeNone, tolerating unknown non-critical payloads and
// rejecting unknown critical ones (spec.md §4.1). SK/SKF implicitly
// terminate the OUTER chain: the caller passes stopAtSK=true for the
// cleartext walk so the codec never tries to parse what's still ciphertext.
func decodeChain(b []byte, first protocol.PayloadType, stopAtSK bool) (*protocol.Payloads, PayloadSummary, error) {
	payloads := protocol.MakePayloads()
	summary := PayloadSummary{Parsed: true}
	next := first
	count := 0
	for next != protocol.PayloadTypeNone {
		if count >= MaxDigests {
			return payloads, summary, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "payload chain exceeds %d entries", MaxDigests)
		}
		count++
		if len(b) < protocol.PAYLOAD_HEADER_LENGTH {
			return payloads, summary, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "truncated payload header")
		}
		hdr := &protocol.PayloadHeader{}
		if err := hdr.Decode(b); err != nil {
			return payloads, summary, err
		}
		if len(b) < int(hdr.PayloadLength) {
			return payloads, summary, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "payload length %d exceeds buffer", hdr.PayloadLength)
		}
		body := b[protocol.PAYLOAD_HEADER_LENGTH:hdr.PayloadLength]

		if stopAtSK && (next == protocol.PayloadTypeSK || next == protocol.PayloadTypeSKF) {
			pl, err := decodeOne(next, hdr, body)
			if err != nil {
				return payloads, summary, err
			}
			payloads.Add(pl)
			markPresent(&summary, next)
			return payloads, summary, nil
		}

		if !next.IsKnown() {
			if hdr.IsCritical {
				return payloads, summary, protocol.ErrF(protocol.ERR_UNSUPPORTED_CRITICAL_PAYLOAD, "critical unknown payload %d", next)
			}
			log.V(protocol.LOG_CODEC).Infof("ignoring unknown non-critical payload %d", next)
			b = b[hdr.PayloadLength:]
			next = hdr.NextPayload
			continue
		}

		pl, err := decodeOne(next, hdr, body)
		if err != nil {
			return payloads, summary, err
		}
		payloads.Add(pl)
		markPresent(&summary, next)
		b = b[hdr.PayloadLength:]
		next = hdr.NextPayload
	}
	return payloads, summary, nil
}

func markPresent(s *PayloadSummary, t protocol.PayloadType) {
	if s.Present.Has(t) {
		s.Repeated |= protocol.BitFor(t)
	}
	s.Present |= protocol.BitFor(t)
}

func decodeOne(t protocol.PayloadType, hdr *protocol.PayloadHeader, body []byte) (protocol.Payload, error) {
	var pl protocol.Payload
	switch t {
	case protocol.PayloadTypeSA:
		pl = &protocol.SaPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeKE:
		pl = &protocol.KePayload{PayloadHeader: hdr}
	case protocol.PayloadTypeIDi:
		pl = &protocol.IdPayload{PayloadHeader: hdr, IdPayloadType: protocol.PayloadTypeIDi}
	case protocol.PayloadTypeIDr:
		pl = &protocol.IdPayload{PayloadHeader: hdr, IdPayloadType: protocol.PayloadTypeIDr}
	case protocol.PayloadTypeCERT:
		pl = &protocol.CertPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeCERTREQ:
		pl = &protocol.CertRequestPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeAUTH:
		pl = &protocol.AuthPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeNonce:
		pl = &protocol.NoncePayload{PayloadHeader: hdr}
	case protocol.PayloadTypeN:
		pl = &protocol.NotifyPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeD:
		pl = &protocol.DeletePayload{PayloadHeader: hdr}
	case protocol.PayloadTypeV:
		pl = &protocol.VendorIdPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeTSi:
		pl = &protocol.TrafficSelectorPayload{PayloadHeader: hdr, TsPayloadType: protocol.PayloadTypeTSi}
	case protocol.PayloadTypeTSr:
		pl = &protocol.TrafficSelectorPayload{PayloadHeader: hdr, TsPayloadType: protocol.PayloadTypeTSr}
	case protocol.PayloadTypeCP:
		pl = &protocol.ConfigurationPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeEAP:
		pl = &protocol.EapPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeSK:
		pl = &protocol.SkPayload{PayloadHeader: hdr}
	case protocol.PayloadTypeSKF:
		pl = &protocol.SkfPayload{PayloadHeader: hdr}
	default:
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "unreachable payload type %d", t)
	}
	if err := pl.Decode(body); err != nil {
		return nil, err
	}
	return pl, nil
}

// ParseOuter decodes the cleartext chain of md on first need (dispatcher
// step 4, spec.md §4.5). It is idempotent: a second call is a no-op.
func (md *MessageDigest) ParseOuter() error {
	if md.MessagePayloads.Parsed {
		return nil
	}
	b := md.Raw[protocol.IKE_HEADER_LEN:md.Header.MsgLength]
	payloads, summary, err := decodeChain(b, md.Header.NextPayload, true)
	md.Outer = payloads
	md.MessagePayloads = summary
	if n, ok := firstNotification(payloads); ok {
		md.MessagePayloads.HasNotification = true
		md.MessagePayloads.NotificationCode = n
	}
	return err
}

// ParseInner decodes the chain inside a decrypted SK/SKF payload. `first` is
// the SK payload header's NextPayload (for SK) or
// latched from fragment #1 (for reassembled SKF, spec.md §4.3).
func (md *MessageDigest) ParseInner(plaintext []byte, first protocol.PayloadType) error {
	payloads, summary, err := decodeChain(plaintext, first, false)
	md.Inner = payloads
	md.EncryptedPayloads = summary
	if n, ok := firstNotification(payloads); ok {
		md.EncryptedPayloads.HasNotification = true
		md.EncryptedPayloads.NotificationCode = n
	}
	return err
}

func firstNotification(p *protocol.Payloads) (protocol.NotificationType, bool) {
	if pl := p.Get(protocol.PayloadTypeN); pl != nil {
		return pl.(*protocol.NotifyPayload).NotificationType, true
	}
	return 0, false
}
