package ike

import (
	"testing"

	"github.com/quietkey/ikev2/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRequestRetransmit(t *testing.T) {
	sa := NewIkeSa(false, state.PARENT_R1)

	assert.Equal(t, RequestProceed, sa.ClassifyRequest(0))
	sa.AdvanceReceived(0)
	sa.AdvanceReplied(0, []byte("reply-0"), nil)

	assert.Equal(t, RequestResendCached, sa.ClassifyRequest(0), "a retransmit of the last-replied request must be served from cache")
	assert.Equal(t, RequestProceed, sa.ClassifyRequest(1))

	sa.AdvanceReceived(1)
	assert.Equal(t, RequestDropOld, sa.ClassifyRequest(0), "a request older than last_received is stale")
	assert.Equal(t, RequestDropInFlight, sa.ClassifyRequest(1), "a retransmit of a request still being processed has no cached reply yet")
}

func TestClassifyResponseWindow(t *testing.T) {
	sa := NewIkeSa(true, state.PARENT_I1)
	id0 := sa.AllocateMsgId()
	id1 := sa.AllocateMsgId()
	require.Equal(t, uint32(0), id0)
	require.Equal(t, uint32(1), id1)

	assert.Equal(t, ResponseProceed, sa.ClassifyResponse(0))
	sa.AdvanceAcked(0)
	assert.Equal(t, ResponseDropOld, sa.ClassifyResponse(0))
	assert.Equal(t, ResponseProceed, sa.ClassifyResponse(1))
	assert.Equal(t, ResponseDropUnexpected, sa.ClassifyResponse(5), "a response to a msgid never allocated must be dropped")
}

func TestWindowReleaseQueuesInOrder(t *testing.T) {
	sa := NewIkeSa(true, state.PARENT_I1)
	sa.Window = 1
	sa.AllocateMsgId() // consumes slot 0, nothing acked yet

	assert.False(t, sa.WindowHasRoom(), "window of 1 with one unacked request in flight has no room")

	sa.EnqueueSendNext(42)
	_, ok := sa.ReleaseWindow()
	assert.False(t, ok, "no room means nothing can be released yet")

	sa.AdvanceAcked(0)
	assert.True(t, sa.WindowHasRoom())
	serial, ok := sa.ReleaseWindow()
	require.True(t, ok)
	assert.Equal(t, uint64(42), serial)

	_, ok = sa.ReleaseWindow()
	assert.False(t, ok, "queue is empty after the one entry was released")
}
