package ike

import (
	"time"

	"github.com/quietkey/ikev2/protocol"
)

// MaxFragments bounds the largest total-fragments value this reassembler
// will accept (spec.md §4.3 MAX_FRAGMENTS).
const MaxFragments = 64

// DefaultReassemblyTimeout bounds how long a partial reassembly is kept
// around awaiting its remaining fragments, mirroring libreswan's separate
// fragment-reassembly deadline (distinct from the message retransmit
// timer) so a peer that never completes a fragmented exchange doesn't pin
// reassembly state forever.
const DefaultReassemblyTimeout = 10 * time.Second

type fragmentSlot struct {
	ivAndCiphertext []byte
}

// FragmentTable is the per-SA reassembly state for RFC 7383 SKF payloads
// (spec.md §3 "Fragment-Reassembly Table").
type FragmentTable struct {
	Total   int
	Count   int
	Slots   []fragmentSlot // indexed 1..Total, Slots[0] unused
	FirstNp protocol.PayloadType

	// ReassemblyTimeout is how long the completion engine's timer keeps
	// this table alive after its most recent fragment, armed/reset by
	// Dispatcher.decryptInner on every accepted fragment.
	ReassemblyTimeout time.Duration
}

// AcceptFragment applies one SKF fragment to the table, creating it on first valid
// fragment. It returns (complete, error): complete is true exactly once,
// on the arrival that fills the last empty slot (spec.md §4.3, §8).
func (sa *IkeSa) AcceptFragment(number, total int, innerNp protocol.PayloadType, raw []byte) (complete bool, err error) {
	if number < 1 || total < 1 || number > total || total > MaxFragments {
		return false, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "fragment %d/%d out of range", number, total)
	}
	isNone := innerNp == protocol.PayloadTypeNone
	if (number == 1) == isNone {
		return false, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "fragment %d carries inconsistent inner next-payload", number)
	}
	if !sa.FragmentationAllowed || !sa.PeerFragments {
		return false, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "fragmentation not negotiated")
	}

	sa.RespondUsingFragments = true

	ft := sa.Fragments
	if ft == nil {
		ft = &FragmentTable{Total: total, Slots: make([]fragmentSlot, total+1), ReassemblyTimeout: DefaultReassemblyTimeout}
		sa.Fragments = ft
	} else if total != ft.Total {
		if total > ft.Total {
			ft.Total = total
			ft.Count = 0
			ft.Slots = make([]fragmentSlot, total+1)
		} else {
			// smaller total than the reassembly already in progress: discard
			// this fragment, keep what we have (spec.md §4.3).
			return false, nil
		}
	}

	if ft.Slots[number].ivAndCiphertext != nil {
		// duplicate: idempotent, no state change (spec.md §8).
		return false, nil
	}

	ft.Slots[number].ivAndCiphertext = raw
	ft.Count++
	if number == 1 {
		ft.FirstNp = innerNp
	}
	return ft.Count == ft.Total, nil
}

// Reassemble concatenates the accepted fragments' raw IV||ciphertext||ICV
// chunks in fragment-number order. The result is independent of arrival
// order by construction (spec.md §8).
func (ft *FragmentTable) Reassemble() []byte {
	var out []byte
	for i := 1; i <= ft.Total; i++ {
		out = append(out, ft.Slots[i].ivAndCiphertext...)
	}
	return out
}

// reassembledSkPacket wraps a reassembled fragment payload back into the
// shape the cipher collaborator expects: header || SK-payload-header ||
// ciphertext, as if it had arrived as one unfragmented SK payload.
func reassembledSkPacket(hdr *protocol.IkeHeader, ivAndCiphertext []byte) []byte {
	h := *hdr
	h.NextPayload = protocol.PayloadTypeSK
	h.MsgLength = uint32(protocol.IKE_HEADER_LEN + protocol.PAYLOAD_HEADER_LENGTH + len(ivAndCiphertext))
	skHeader := protocol.EncodePayloadHeader(protocol.PayloadTypeSK, false, uint16(len(ivAndCiphertext)))
	out := append(h.Encode(), skHeader...)
	return append(out, ivAndCiphertext...)
}
