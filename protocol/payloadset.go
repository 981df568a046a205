package protocol

// PayloadBitset is a small bitmask over the payload-type space, indexed by
// bitIndex(t). It backs the classifier's `present` / `repeated` sets and a
// state.Microcode's `required` / `optional` payload expectations, so both
// packages share one representation instead of inventing their own.
type PayloadBitset uint64

func bitIndex(t PayloadType) uint {
	switch t {
	case PayloadTypeSA:
		return 0
	case PayloadTypeKE:
		return 1
	case PayloadTypeIDi:
		return 2
	case PayloadTypeIDr:
		return 3
	case PayloadTypeCERT:
		return 4
	case PayloadTypeCERTREQ:
		return 5
	case PayloadTypeAUTH:
		return 6
	case PayloadTypeNonce:
		return 7
	case PayloadTypeN:
		return 8
	case PayloadTypeD:
		return 9
	case PayloadTypeV:
		return 10
	case PayloadTypeTSi:
		return 11
	case PayloadTypeTSr:
		return 12
	case PayloadTypeSK:
		return 13
	case PayloadTypeCP:
		return 14
	case PayloadTypeEAP:
		return 15
	case PayloadTypeSKF:
		return 16
	}
	return 63 // unknown payloads never set a classifier bit
}

func BitFor(t PayloadType) PayloadBitset { return 1 << bitIndex(t) }

func BitsetOf(types ...PayloadType) PayloadBitset {
	var s PayloadBitset
	for _, t := range types {
		s |= BitFor(t)
	}
	return s
}

func (s PayloadBitset) Has(t PayloadType) bool         { return s&BitFor(t) != 0 }
func (s PayloadBitset) Union(o PayloadBitset) PayloadBitset { return s | o }
func (s PayloadBitset) Without(t PayloadType) PayloadBitset { return s &^ BitFor(t) }

// EverywherePayloads may legally appear in any message regardless of the
// matched microcode's declared expectations (N for errors/status, V for
// vendor-id capability negotiation such as RFC 7383 fragmentation support).
var EverywherePayloads = BitsetOf(PayloadTypeN, PayloadTypeV)
