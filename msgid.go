package ike

// RequestDisposition is what the Message-ID sequencer decided to do with
// an inbound request before any handler runs (spec.md §4.7).
type RequestDisposition int

const (
	RequestProceed       RequestDisposition = iota // new request, hand to dispatcher
	RequestDropOld                                 // msgid < last_received
	RequestResendCached                            // retransmit of the last-replied request
	RequestDropInFlight                            // retransmit of a request some other instance is still handling
)

// ClassifyRequest implements spec.md §4.7's retransmit-detection table.
func (sa *IkeSa) ClassifyRequest(msgId uint32) RequestDisposition {
	switch {
	case msgId < sa.LastReceived:
		return RequestDropOld
	case msgId == sa.LastReceived:
		if msgId == 0 && !sa.HasReplied {
			// nothing received yet (the same state AdvanceReceived treats
			// as fresh): msgid 0 is the first request, not a retransmit
			return RequestProceed
		}
		if sa.HasReplied && sa.LastReplied == sa.LastReceived {
			return RequestResendCached
		}
		return RequestDropInFlight
	default:
		return RequestProceed
	}
}

// AdvanceReceived records a newly-accepted request's message ID.
func (sa *IkeSa) AdvanceReceived(msgId uint32) {
	if msgId > sa.LastReceived || (msgId == 0 && sa.LastReceived == 0 && !sa.HasReplied) {
		sa.LastReceived = msgId
	}
}

// AdvanceReplied records that a response was sent for msgId, and caches it
// for retransmit (spec.md §4.7, §8 "retransmit" invariant).
func (sa *IkeSa) AdvanceReplied(msgId uint32, response []byte, fragments [][]byte) {
	sa.LastReplied = msgId
	sa.HasReplied = true
	sa.Retransmit = &RetransmitState{MsgId: msgId, Packet: response, FragPackets: fragments}
}

// ResponseDisposition is what the sequencer decided to do with an inbound
// response.
type ResponseDisposition int

const (
	ResponseProceed     ResponseDisposition = iota
	ResponseDropOld                         // msgid <= last_acked
	ResponseDropUnexpected                  // msgid >= next_use
)

// ClassifyResponse implements spec.md §4.7's response-handling rule.
func (sa *IkeSa) ClassifyResponse(msgId uint32) ResponseDisposition {
	if sa.HasLastAcked && msgId <= sa.LastAcked {
		return ResponseDropOld
	}
	if msgId >= sa.NextUse {
		return ResponseDropUnexpected
	}
	return ResponseProceed
}

// AdvanceAcked records a newly-processed response's message ID.
func (sa *IkeSa) AdvanceAcked(msgId uint32) {
	sa.LastAcked = msgId
	sa.HasLastAcked = true
}

// AllocateMsgId hands out the next outbound request Message-ID.
func (sa *IkeSa) AllocateMsgId() uint32 {
	id := sa.NextUse
	sa.NextUse++
	return id
}

// WindowHasRoom reports whether another request may be sent immediately,
// per the invariant next_use - last_acked - 1 <= window (spec.md §3, §8).
func (sa *IkeSa) WindowHasRoom() bool {
	acked := int64(-1)
	if sa.HasLastAcked {
		acked = int64(sa.LastAcked)
	}
	return int64(sa.NextUse)-acked-1 < int64(sa.Window)
}

// ReleaseWindow pops one entry from the send-next queue once room opens up
// and returns the serial number to post as an event, or (0, false) if the
// queue is empty or there's still no room (spec.md §4.7 "window release").
func (sa *IkeSa) ReleaseWindow() (serial uint64, ok bool) {
	if !sa.WindowHasRoom() || len(sa.SendNextQueue) == 0 {
		return 0, false
	}
	serial = sa.SendNextQueue[0]
	sa.SendNextQueue = sa.SendNextQueue[1:]
	return serial, true
}

// EnqueueSendNext appends serial to the send-next queue.
func (sa *IkeSa) EnqueueSendNext(serial uint64) {
	sa.SendNextQueue = append(sa.SendNextQueue, serial)
}
