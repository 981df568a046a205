package protocol

import (
	"math/big"
	"net"

	"github.com/msgboxio/packets"
)

// Payloads is an ordered, type-indexed collection of decoded payloads,
// insertion order preserved within a type's chain (spec.md §4.1).
type Payloads struct {
	Map   map[PayloadType][]int
	Array []Payload
}

func MakePayloads() *Payloads {
	return &Payloads{Map: make(map[PayloadType][]int)}
}

// Get returns the first payload of type t, or nil.
func (p *Payloads) Get(t PayloadType) Payload {
	if idxs, ok := p.Map[t]; ok && len(idxs) > 0 {
		return p.Array[idxs[0]]
	}
	return nil
}

// GetAll returns every payload of type t in insertion order.
func (p *Payloads) GetAll(t PayloadType) (out []Payload) {
	for _, idx := range p.Map[t] {
		out = append(out, p.Array[idx])
	}
	return
}

func (p *Payloads) Add(pl Payload) {
	p.Array = append(p.Array, pl)
	p.Map[pl.Type()] = append(p.Map[pl.Type()], len(p.Array)-1)
}

func (p *Payloads) Count(t PayloadType) int { return len(p.Map[t]) }

// --- SA payload: proposals / transforms / attributes ---

type ProtocolId uint8

const (
	IKE ProtocolId = 1
	AH  ProtocolId = 2
	ESP ProtocolId = 3
)

type TransformType uint8

const (
	TRANSFORM_TYPE_ENCR  TransformType = 1
	TRANSFORM_TYPE_PRF   TransformType = 2
	TRANSFORM_TYPE_INTEG TransformType = 3
	TRANSFORM_TYPE_DH    TransformType = 4
	TRANSFORM_TYPE_ESN   TransformType = 5
)

type Transform struct {
	Type        TransformType
	TransformId uint16
}

type SaTransform struct {
	Transform
	KeyLength uint16
	IsLast    bool
}

const (
	minLenAttribute = 4
	minLenTransform = 8
	minLenProposal  = 8
)

func decodeAttribute(b []byte) (attr *SaTransform, used int, err error) {
	if len(b) < minLenAttribute {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "attribute too short")
	}
	alen, _ := packets.ReadB16(b, 2)
	return &SaTransform{KeyLength: alen}, minLenAttribute, nil
}

func decodeTransform(b []byte) (trans *SaTransform, used int, err error) {
	if len(b) < minLenTransform {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "transform too short")
	}
	trans = &SaTransform{}
	last, _ := packets.ReadB8(b, 0)
	trans.IsLast = last == 0
	trLength, _ := packets.ReadB16(b, 2)
	if int(trLength) < minLenTransform || len(b) < int(trLength) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "bad transform length %d", trLength)
	}
	trType, _ := packets.ReadB8(b, 4)
	trans.Type = TransformType(trType)
	trans.TransformId, _ = packets.ReadB16(b, 6)
	rest := b[minLenTransform:trLength]
	for len(rest) > 0 {
		attr, attrUsed, attrErr := decodeAttribute(rest)
		if attrErr != nil {
			return nil, 0, attrErr
		}
		trans.KeyLength = attr.KeyLength
		rest = rest[attrUsed:]
	}
	used = int(trLength)
	return
}

func encodeTransform(trans *SaTransform, isLast bool) (b []byte) {
	b = make([]byte, minLenTransform)
	if !isLast {
		packets.WriteB8(b, 0, 3)
	}
	packets.WriteB8(b, 4, uint8(trans.Type))
	packets.WriteB16(b, 6, trans.TransformId)
	if trans.KeyLength != 0 {
		attr := make([]byte, 4)
		packets.WriteB16(attr, 0, 0x8000|14)
		packets.WriteB16(attr, 2, trans.KeyLength)
		b = append(b, attr...)
	}
	packets.WriteB16(b, 2, uint16(len(b)))
	return
}

type SaProposal struct {
	IsLast       bool
	Number       uint8
	ProtocolId   ProtocolId
	Spi          []byte
	SaTransforms []*SaTransform
}

func decodeProposal(b []byte) (prop *SaProposal, used int, err error) {
	if len(b) < minLenProposal {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "proposal too short")
	}
	prop = &SaProposal{}
	last, _ := packets.ReadB8(b, 0)
	prop.IsLast = last == 0
	propLength, _ := packets.ReadB16(b, 2)
	if int(propLength) < minLenProposal || len(b) < int(propLength) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "bad proposal length %d", propLength)
	}
	prop.Number, _ = packets.ReadB8(b, 4)
	pId, _ := packets.ReadB8(b, 5)
	prop.ProtocolId = ProtocolId(pId)
	spiSize, _ := packets.ReadB8(b, 6)
	numTransforms, _ := packets.ReadB8(b, 7)
	if len(b) < minLenProposal+int(spiSize) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "truncated spi")
	}
	spiEnd := minLenProposal + int(spiSize)
	prop.Spi = append([]byte{}, b[minLenProposal:spiEnd]...)
	rest := b[spiEnd:propLength]
	for len(rest) > 0 {
		trans, usedT, errT := decodeTransform(rest)
		if errT != nil {
			return nil, 0, errT
		}
		prop.SaTransforms = append(prop.SaTransforms, trans)
		rest = rest[usedT:]
		if trans.IsLast {
			break
		}
	}
	if len(prop.SaTransforms) != int(numTransforms) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "transform count mismatch")
	}
	used = int(propLength)
	return
}

func encodeProposal(prop *SaProposal, isLast bool) (b []byte) {
	b = make([]byte, minLenProposal)
	if !isLast {
		packets.WriteB8(b, 0, 2)
	}
	packets.WriteB8(b, 4, prop.Number)
	packets.WriteB8(b, 5, uint8(prop.ProtocolId))
	packets.WriteB8(b, 6, uint8(len(prop.Spi)))
	packets.WriteB8(b, 7, uint8(len(prop.SaTransforms)))
	b = append(b, prop.Spi...)
	for idx, tr := range prop.SaTransforms {
		b = append(b, encodeTransform(tr, idx == len(prop.SaTransforms)-1)...)
	}
	packets.WriteB16(b, 2, uint16(len(b)))
	return
}

type SaPayload struct {
	*PayloadHeader
	Proposals []*SaProposal
}

func (s *SaPayload) Type() PayloadType { return PayloadTypeSA }
func (s *SaPayload) Encode() (b []byte) {
	for idx, prop := range s.Proposals {
		b = append(b, encodeProposal(prop, idx == len(s.Proposals)-1)...)
	}
	return
}
func (s *SaPayload) Decode(b []byte) (err error) {
	for len(b) > 0 {
		prop, used, errP := decodeProposal(b)
		if errP != nil {
			return errP
		}
		s.Proposals = append(s.Proposals, prop)
		b = b[used:]
		if prop.IsLast {
			break
		}
	}
	return
}

// --- KE payload ---

type DhTransformId uint16

const (
	MODP_NONE DhTransformId = 0
	MODP_768  DhTransformId = 1
	MODP_1024 DhTransformId = 2
	MODP_1536 DhTransformId = 5
	MODP_2048 DhTransformId = 14
	MODP_3072 DhTransformId = 15
	MODP_4096 DhTransformId = 16
	MODP_6144 DhTransformId = 17
	MODP_8192 DhTransformId = 18
	ECP_256   DhTransformId = 19
	ECP_384   DhTransformId = 20
)

type KePayload struct {
	*PayloadHeader
	DhTransformId DhTransformId
	KeyData       *big.Int
}

func (s *KePayload) Type() PayloadType { return PayloadTypeKE }
func (s *KePayload) Encode() (b []byte) {
	b = make([]byte, 4)
	packets.WriteB16(b, 0, uint16(s.DhTransformId))
	return append(b, s.KeyData.Bytes()...)
}
func (s *KePayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "KE too short")
	}
	gn, _ := packets.ReadB16(b, 0)
	s.DhTransformId = DhTransformId(gn)
	s.KeyData = new(big.Int).SetBytes(b[4:])
	return
}

// --- Identification payloads ---

type IdType uint8

const (
	ID_IPV4_ADDR   IdType = 1
	ID_FQDN        IdType = 2
	ID_RFC822_ADDR IdType = 3
	ID_IPV6_ADDR   IdType = 5
	ID_DER_ASN1_DN IdType = 9
	ID_KEY_ID      IdType = 11
	ID_NULL        IdType = 13
)

type IdPayload struct {
	*PayloadHeader
	IdPayloadType PayloadType // PayloadTypeIDi or PayloadTypeIDr
	IdType        IdType
	Data          []byte
}

func (s *IdPayload) Type() PayloadType { return s.IdPayloadType }
func (s *IdPayload) Encode() (b []byte) {
	b = []byte{uint8(s.IdType), 0, 0, 0}
	return append(b, s.Data...)
}
func (s *IdPayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "id too short")
	}
	idt, _ := packets.ReadB8(b, 0)
	s.IdType = IdType(idt)
	s.Data = append([]byte{}, b[4:]...)
	return
}

// --- CERT / CERTREQ (validated by the out-of-scope identity collaborator) ---

type CertPayload struct {
	*PayloadHeader
	Encoding uint8
	Data     []byte
}

func (s *CertPayload) Type() PayloadType { return PayloadTypeCERT }
func (s *CertPayload) Encode() (b []byte) {
	return append([]byte{s.Encoding}, s.Data...)
}
func (s *CertPayload) Decode(b []byte) (err error) {
	if len(b) < 1 {
		return ErrF(ERR_INVALID_SYNTAX, "cert too short")
	}
	s.Encoding = b[0]
	s.Data = append([]byte{}, b[1:]...)
	return
}

type CertRequestPayload struct {
	*PayloadHeader
	Encoding uint8
	CaData   []byte
}

func (s *CertRequestPayload) Type() PayloadType { return PayloadTypeCERTREQ }
func (s *CertRequestPayload) Encode() (b []byte) {
	return append([]byte{s.Encoding}, s.CaData...)
}
func (s *CertRequestPayload) Decode(b []byte) (err error) {
	if len(b) < 1 {
		return ErrF(ERR_INVALID_SYNTAX, "certreq too short")
	}
	s.Encoding = b[0]
	s.CaData = append([]byte{}, b[1:]...)
	return
}

// --- AUTH payload ---

type AuthMethod uint8

const (
	RSA_DIGITAL_SIGNATURE             AuthMethod = 1
	SHARED_KEY_MESSAGE_INTEGRITY_CODE AuthMethod = 2
	AUTH_DIGITAL_SIGNATURE            AuthMethod = 14 // RFC 7427
)

type AuthPayload struct {
	*PayloadHeader
	Method AuthMethod
	Data   []byte
}

func (s *AuthPayload) Type() PayloadType { return PayloadTypeAUTH }
func (s *AuthPayload) Encode() (b []byte) {
	b = []byte{uint8(s.Method), 0, 0, 0}
	return append(b, s.Data...)
}
func (s *AuthPayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "auth too short")
	}
	m, _ := packets.ReadB8(b, 0)
	s.Method = AuthMethod(m)
	s.Data = append([]byte{}, b[4:]...)
	return
}

// --- Nonce ---

type NoncePayload struct {
	*PayloadHeader
	Nonce []byte
}

func (s *NoncePayload) Type() PayloadType  { return PayloadTypeNonce }
func (s *NoncePayload) Encode() (b []byte) { return s.Nonce }
func (s *NoncePayload) Decode(b []byte) (err error) {
	if len(b) < 16 || len(b) > 256 {
		return ErrF(ERR_INVALID_SYNTAX, "nonce length %d out of range", len(b))
	}
	s.Nonce = append([]byte{}, b...)
	return
}

// --- Notify ---

type NotifyPayload struct {
	*PayloadHeader
	ProtocolId          ProtocolId
	NotificationType    NotificationType
	Spi                 []byte
	NotificationMessage []byte
}

func (s *NotifyPayload) Type() PayloadType { return PayloadTypeN }
func (s *NotifyPayload) Encode() (b []byte) {
	b = []byte{uint8(s.ProtocolId), uint8(len(s.Spi)), 0, 0}
	packets.WriteB16(b, 2, uint16(s.NotificationType))
	b = append(b, s.Spi...)
	b = append(b, s.NotificationMessage...)
	return
}
func (s *NotifyPayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "notify too short")
	}
	pId, _ := packets.ReadB8(b, 0)
	s.ProtocolId = ProtocolId(pId)
	spiLen, _ := packets.ReadB8(b, 1)
	if len(b) < 4+int(spiLen) {
		return ErrF(ERR_INVALID_SYNTAX, "notify spi truncated")
	}
	nType, _ := packets.ReadB16(b, 2)
	s.NotificationType = NotificationType(nType)
	s.Spi = append([]byte{}, b[4:4+spiLen]...)
	s.NotificationMessage = append([]byte{}, b[4+spiLen:]...)
	return
}

// --- Delete ---

type DeletePayload struct {
	*PayloadHeader
	ProtocolId ProtocolId
	SpiSize    uint8
	Spis       [][]byte
}

func (s *DeletePayload) Type() PayloadType { return PayloadTypeD }
func (s *DeletePayload) Encode() (b []byte) {
	b = []byte{uint8(s.ProtocolId), s.SpiSize, 0, 0}
	packets.WriteB16(b, 2, uint16(len(s.Spis)))
	for _, spi := range s.Spis {
		b = append(b, spi...)
	}
	return
}
func (s *DeletePayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "delete too short")
	}
	pId, _ := packets.ReadB8(b, 0)
	s.ProtocolId = ProtocolId(pId)
	s.SpiSize, _ = packets.ReadB8(b, 1)
	numSpi, _ := packets.ReadB16(b, 2)
	rest := b[4:]
	for i := 0; i < int(numSpi); i++ {
		if len(rest) < int(s.SpiSize) {
			return ErrF(ERR_INVALID_SYNTAX, "delete spi truncated")
		}
		s.Spis = append(s.Spis, append([]byte{}, rest[:s.SpiSize]...))
		rest = rest[s.SpiSize:]
	}
	return
}

// --- Vendor ID ---

type VendorIdPayload struct {
	*PayloadHeader
	Vid []byte
}

func (s *VendorIdPayload) Type() PayloadType  { return PayloadTypeV }
func (s *VendorIdPayload) Encode() (b []byte) { return s.Vid }
func (s *VendorIdPayload) Decode(b []byte) (err error) {
	s.Vid = append([]byte{}, b...)
	return
}

// FragmentationVendorId is the well-known RFC 7383 capability marker:
// an implementation that sends this VID supports encrypted fragments.
var FragmentationVendorId = []byte("IKEV2_FRAGMENTATION_SUPPORTED")

// --- Traffic selectors ---

type SelectorType uint8

const (
	TS_IPV4_ADDR_RANGE SelectorType = 7
	TS_IPV6_ADDR_RANGE SelectorType = 8
)

const minLenSelector = 8

type Selector struct {
	Type                     SelectorType
	IpProtocolId             uint8
	StartPort, Endport       uint16
	StartAddress, EndAddress net.IP
}

func decodeSelector(b []byte) (sel *Selector, used int, err error) {
	if len(b) < minLenSelector {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector too short")
	}
	stype, _ := packets.ReadB8(b, 0)
	id, _ := packets.ReadB8(b, 1)
	slen, _ := packets.ReadB16(b, 2)
	if len(b) < int(slen) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector length %d exceeds buffer", slen)
	}
	sport, _ := packets.ReadB16(b, 4)
	eport, _ := packets.ReadB16(b, 6)
	iplen := net.IPv4len
	if SelectorType(stype) == TS_IPV6_ADDR_RANGE {
		iplen = net.IPv6len
	}
	if len(b) < minLenSelector+2*iplen {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector address truncated")
	}
	sel = &Selector{
		Type:         SelectorType(stype),
		IpProtocolId: id,
		StartPort:    sport,
		Endport:      eport,
		StartAddress: append(net.IP{}, b[minLenSelector:minLenSelector+iplen]...),
		EndAddress:   append(net.IP{}, b[minLenSelector+iplen:minLenSelector+2*iplen]...),
	}
	used = minLenSelector + 2*iplen
	return
}

func encodeSelector(sel *Selector) (b []byte) {
	b = make([]byte, minLenSelector)
	packets.WriteB8(b, 0, uint8(sel.Type))
	packets.WriteB8(b, 1, sel.IpProtocolId)
	packets.WriteB16(b, 4, sel.StartPort)
	packets.WriteB16(b, 6, sel.Endport)
	b = append(b, sel.StartAddress...)
	b = append(b, sel.EndAddress...)
	packets.WriteB16(b, 2, uint16(len(b)))
	return
}

const minLenTrafficSelector = 4

type TrafficSelectorPayload struct {
	*PayloadHeader
	TsPayloadType PayloadType // PayloadTypeTSi or PayloadTypeTSr
	Selectors     []*Selector
}

func (s *TrafficSelectorPayload) Type() PayloadType { return s.TsPayloadType }
func (s *TrafficSelectorPayload) Encode() (b []byte) {
	b = []byte{uint8(len(s.Selectors)), 0, 0, 0}
	for _, sel := range s.Selectors {
		b = append(b, encodeSelector(sel)...)
	}
	return
}
func (s *TrafficSelectorPayload) Decode(b []byte) (err error) {
	if len(b) < minLenTrafficSelector {
		return ErrF(ERR_INVALID_SYNTAX, "TS too short")
	}
	numSel, _ := packets.ReadB8(b, 0)
	rest := b[4:]
	for len(rest) > 0 {
		sel, used, serr := decodeSelector(rest)
		if serr != nil {
			return serr
		}
		s.Selectors = append(s.Selectors, sel)
		rest = rest[used:]
	}
	if len(s.Selectors) != int(numSel) {
		return ErrF(ERR_INVALID_SYNTAX, "TS count mismatch")
	}
	return
}

// --- Configuration (CP) and EAP: bodies are opaque to the core dispatcher ---

type ConfigurationPayload struct {
	*PayloadHeader
	CfgType uint8
	Data    []byte
}

func (s *ConfigurationPayload) Type() PayloadType  { return PayloadTypeCP }
func (s *ConfigurationPayload) Encode() (b []byte) { return append([]byte{s.CfgType, 0, 0, 0}, s.Data...) }
func (s *ConfigurationPayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "cp too short")
	}
	s.CfgType = b[0]
	s.Data = append([]byte{}, b[4:]...)
	return
}

type EapPayload struct {
	*PayloadHeader
	Data []byte
}

func (s *EapPayload) Type() PayloadType  { return PayloadTypeEAP }
func (s *EapPayload) Encode() (b []byte) { return s.Data }
func (s *EapPayload) Decode(b []byte) (err error) {
	s.Data = append([]byte{}, b...)
	return
}

// --- SK / SKF: the encrypted payload and its RFC 7383 fragment variant ---

// SkPayload carries the still-encrypted IV||ciphertext||ICV blob; the core
// never decodes its contents itself (that's the crypto collaborator's job),
// it only needs the raw bytes and the declared inner next-payload, which for
// SK is the SK payload header's own NextPayload field, sent in the clear.
type SkPayload struct {
	*PayloadHeader
	Raw []byte
}

func (s *SkPayload) Type() PayloadType  { return PayloadTypeSK }
func (s *SkPayload) Encode() (b []byte) { return s.Raw }
func (s *SkPayload) Decode(b []byte) (err error) {
	s.Raw = append([]byte{}, b...)
	return
}

// SkfPayload is one RFC 7383 encrypted fragment: a 4-byte fragment header
// (number, total) followed by IV||ciphertext||ICV. Fragment 1's declared
// NextPayload is the first inner payload type; fragments 2..N always carry
// NextPayload == PayloadTypeNone on the wire (spec.md §4.3).
type SkfPayload struct {
	*PayloadHeader
	FragNumber uint16
	FragTotal  uint16
	Raw        []byte
}

func (s *SkfPayload) Type() PayloadType { return PayloadTypeSKF }
func (s *SkfPayload) Encode() (b []byte) {
	b = make([]byte, 4)
	packets.WriteB16(b, 0, s.FragNumber)
	packets.WriteB16(b, 2, s.FragTotal)
	return append(b, s.Raw...)
}
func (s *SkfPayload) Decode(b []byte) (err error) {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "SKF too short")
	}
	s.FragNumber, _ = packets.ReadB16(b, 0)
	s.FragTotal, _ = packets.ReadB16(b, 2)
	s.Raw = append([]byte{}, b[4:]...)
	return
}
