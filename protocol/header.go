// Package protocol implements the RFC 7296 IKEv2 wire format: the fixed
// header, the generic payload chain, and the typed payload bodies. It knows
// nothing about state machines, SAs, or crypto — only bytes in, bytes out.
package protocol

import (
	"encoding/hex"

	"github.com/msgboxio/log"
	"github.com/msgboxio/packets"
)

const (
	IKEV2_MAJOR_VERSION = 2
	IKEV2_MINOR_VERSION = 0

	IKE_PORT      = 500
	IKE_NATT_PORT = 4500

	LOG_CODEC = 3
)

type Spi []byte

func (s Spi) String() string { return hex.EncodeToString([]byte(s)) }

func SpiToInt64(s Spi) uint64 {
	var v uint64
	for _, b := range s {
		v = v<<8 | uint64(b)
	}
	return v
}

type IkeExchangeType uint8

const (
	IKE_SA_INIT        IkeExchangeType = 34
	IKE_AUTH           IkeExchangeType = 35
	CREATE_CHILD_SA    IkeExchangeType = 36
	INFORMATIONAL      IkeExchangeType = 37
	IKE_SESSION_RESUME IkeExchangeType = 38
)

func (e IkeExchangeType) String() string {
	switch e {
	case IKE_SA_INIT:
		return "IKE_SA_INIT"
	case IKE_AUTH:
		return "IKE_AUTH"
	case CREATE_CHILD_SA:
		return "CREATE_CHILD_SA"
	case INFORMATIONAL:
		return "INFORMATIONAL"
	case IKE_SESSION_RESUME:
		return "IKE_SESSION_RESUME"
	}
	return "IkeExchangeType(unknown)"
}

// PayloadType is the next-payload discriminator carried by every generic
// payload header (and by the fixed IKE header, for the first one).
type PayloadType uint8

const (
	PayloadTypeNone    PayloadType = 0
	PayloadTypeSA      PayloadType = 33
	PayloadTypeKE      PayloadType = 34
	PayloadTypeIDi     PayloadType = 35
	PayloadTypeIDr     PayloadType = 36
	PayloadTypeCERT    PayloadType = 37
	PayloadTypeCERTREQ PayloadType = 38
	PayloadTypeAUTH    PayloadType = 39
	PayloadTypeNonce   PayloadType = 40
	PayloadTypeN       PayloadType = 41
	PayloadTypeD       PayloadType = 42
	PayloadTypeV       PayloadType = 43
	PayloadTypeTSi     PayloadType = 44
	PayloadTypeTSr     PayloadType = 45
	PayloadTypeSK      PayloadType = 46
	PayloadTypeCP      PayloadType = 47
	PayloadTypeEAP     PayloadType = 48
	PayloadTypeSKF     PayloadType = 53
)

func (t PayloadType) String() string {
	switch t {
	case PayloadTypeNone:
		return "NONE"
	case PayloadTypeSA:
		return "SA"
	case PayloadTypeKE:
		return "KE"
	case PayloadTypeIDi:
		return "IDi"
	case PayloadTypeIDr:
		return "IDr"
	case PayloadTypeCERT:
		return "CERT"
	case PayloadTypeCERTREQ:
		return "CERTREQ"
	case PayloadTypeAUTH:
		return "AUTH"
	case PayloadTypeNonce:
		return "Ni/Nr"
	case PayloadTypeN:
		return "N"
	case PayloadTypeD:
		return "D"
	case PayloadTypeV:
		return "V"
	case PayloadTypeTSi:
		return "TSi"
	case PayloadTypeTSr:
		return "TSr"
	case PayloadTypeSK:
		return "SK"
	case PayloadTypeCP:
		return "CP"
	case PayloadTypeEAP:
		return "EAP"
	case PayloadTypeSKF:
		return "SKF"
	}
	return "PayloadType(unknown)"
}

// IsKnown reports whether t is a payload type this codec understands.
// Anything else must go through the critical-bit check in the parser.
func (t PayloadType) IsKnown() bool {
	switch t {
	case PayloadTypeSA, PayloadTypeKE, PayloadTypeIDi, PayloadTypeIDr,
		PayloadTypeCERT, PayloadTypeCERTREQ, PayloadTypeAUTH, PayloadTypeNonce,
		PayloadTypeN, PayloadTypeD, PayloadTypeV, PayloadTypeTSi, PayloadTypeTSr,
		PayloadTypeSK, PayloadTypeCP, PayloadTypeEAP, PayloadTypeSKF:
		return true
	}
	return false
}

// Repeatable is the set of payload types that may legally appear more than
// once in a single message (spec.md §3 invariants).
func (t PayloadType) Repeatable() bool {
	switch t {
	case PayloadTypeN, PayloadTypeD, PayloadTypeCP, PayloadTypeV,
		PayloadTypeCERT, PayloadTypeCERTREQ:
		return true
	}
	return false
}

type IkeFlags uint8

const (
	RESPONSE  IkeFlags = 1 << 5
	VERSION   IkeFlags = 1 << 4
	INITIATOR IkeFlags = 1 << 3
)

func (f IkeFlags) IsResponse() bool  { return f&RESPONSE != 0 }
func (f IkeFlags) IsInitiator() bool { return f&INITIATOR != 0 }

const IKE_HEADER_LEN = 28

// IkeHeader is the fixed 28-byte RFC 7296 §3.1 header.
type IkeHeader struct {
	SpiI, SpiR                 Spi
	NextPayload                PayloadType
	MajorVersion, MinorVersion uint8
	ExchangeType               IkeExchangeType
	Flags                      IkeFlags
	MsgId                      uint32
	MsgLength                  uint32
}

func DecodeIkeHeader(b []byte) (h *IkeHeader, err error) {
	if len(b) < IKE_HEADER_LEN {
		return nil, ErrF(ERR_INVALID_SYNTAX, "header too short: %d", len(b))
	}
	h = &IkeHeader{
		SpiI: append(Spi{}, b[0:8]...),
		SpiR: append(Spi{}, b[8:16]...),
	}
	pt, _ := packets.ReadB8(b, 16)
	h.NextPayload = PayloadType(pt)
	ver, _ := packets.ReadB8(b, 17)
	h.MajorVersion = ver >> 4
	h.MinorVersion = ver & 0x0f
	et, _ := packets.ReadB8(b, 18)
	h.ExchangeType = IkeExchangeType(et)
	flags, _ := packets.ReadB8(b, 19)
	h.Flags = IkeFlags(flags)
	h.MsgId, _ = packets.ReadB32(b, 20)
	h.MsgLength, _ = packets.ReadB32(b, 24)
	if h.MsgLength < IKE_HEADER_LEN {
		return nil, ErrF(ERR_INVALID_SYNTAX, "declared length %d too small", h.MsgLength)
	}
	log.V(LOG_CODEC).Infof("ike header: %+v", *h)
	return
}

func (h *IkeHeader) Encode() (b []byte) {
	b = make([]byte, IKE_HEADER_LEN)
	copy(b, h.SpiI)
	copy(b[8:], h.SpiR)
	packets.WriteB8(b, 16, uint8(h.NextPayload))
	packets.WriteB8(b, 17, h.MajorVersion<<4|h.MinorVersion)
	packets.WriteB8(b, 18, uint8(h.ExchangeType))
	packets.WriteB8(b, 19, uint8(h.Flags))
	packets.WriteB32(b, 20, h.MsgId)
	packets.WriteB32(b, 24, h.MsgLength)
	return
}

const PAYLOAD_HEADER_LENGTH = 4

// PayloadHeader is the 4-byte generic payload prefix common to every
// payload (including SK and SKF).
type PayloadHeader struct {
	NextPayload   PayloadType
	IsCritical    bool
	PayloadLength uint16
}

func (h *PayloadHeader) NextPayloadType() PayloadType { return h.NextPayload }

func EncodePayloadHeader(pt PayloadType, critical bool, plen uint16) (b []byte) {
	b = make([]byte, PAYLOAD_HEADER_LENGTH)
	packets.WriteB8(b, 0, uint8(pt))
	if critical {
		packets.WriteB8(b, 1, 0x80)
	}
	packets.WriteB16(b, 2, plen+PAYLOAD_HEADER_LENGTH)
	return
}

func (h *PayloadHeader) Decode(b []byte) (err error) {
	if len(b) < PAYLOAD_HEADER_LENGTH {
		return ErrF(ERR_INVALID_SYNTAX, "payload header too short: %d", len(b))
	}
	pt, _ := packets.ReadB8(b, 0)
	h.NextPayload = PayloadType(pt)
	c, _ := packets.ReadB8(b, 1)
	h.IsCritical = c&0x80 != 0
	h.PayloadLength, _ = packets.ReadB16(b, 2)
	if h.PayloadLength < PAYLOAD_HEADER_LENGTH {
		return ErrF(ERR_INVALID_SYNTAX, "payload length %d too small", h.PayloadLength)
	}
	return
}

// Payload is implemented by every typed payload body.
type Payload interface {
	Type() PayloadType
	Decode([]byte) error
	Encode() []byte
	NextPayloadType() PayloadType
}
