package ike

import (
	"testing"

	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFragmentableSa() *IkeSa {
	sa := NewIkeSa(false, state.PARENT_R1)
	sa.FragmentationAllowed = true
	sa.PeerFragments = true
	return sa
}

func TestAcceptFragmentOutOfOrderReassembly(t *testing.T) {
	sa := newFragmentableSa()

	complete, err := sa.AcceptFragment(2, 3, protocol.PayloadTypeNone, []byte("BBB"))
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = sa.AcceptFragment(1, 3, protocol.PayloadTypeSA, []byte("AAA"))
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = sa.AcceptFragment(3, 3, protocol.PayloadTypeNone, []byte("CCC"))
	require.NoError(t, err)
	assert.True(t, complete)

	assert.Equal(t, []byte("AAABBBCCC"), sa.Fragments.Reassemble(), "reassembly order must follow fragment number, not arrival order")
	assert.Equal(t, protocol.PayloadTypeSA, sa.Fragments.FirstNp)
}

func TestAcceptFragmentDuplicateIsIdempotent(t *testing.T) {
	sa := newFragmentableSa()

	_, err := sa.AcceptFragment(1, 2, protocol.PayloadTypeSA, []byte("AAA"))
	require.NoError(t, err)

	complete, err := sa.AcceptFragment(1, 2, protocol.PayloadTypeSA, []byte("XXX"))
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, []byte("AAA"), sa.Fragments.Slots[1].ivAndCiphertext, "a duplicate fragment must not overwrite the first copy accepted")
}

func TestAcceptFragmentRejectsWithoutNegotiation(t *testing.T) {
	sa := NewIkeSa(false, state.PARENT_R1)

	_, err := sa.AcceptFragment(1, 1, protocol.PayloadTypeSA, []byte("A"))
	assert.Error(t, err)
}

func TestAcceptFragmentRejectsOutOfRange(t *testing.T) {
	sa := newFragmentableSa()

	_, err := sa.AcceptFragment(0, 3, protocol.PayloadTypeSA, []byte("A"))
	assert.Error(t, err)

	_, err = sa.AcceptFragment(4, 3, protocol.PayloadTypeSA, []byte("A"))
	assert.Error(t, err)
}

func TestAcceptFragmentInconsistentFirstNp(t *testing.T) {
	sa := newFragmentableSa()

	_, err := sa.AcceptFragment(1, 2, protocol.PayloadTypeNone, []byte("A"))
	assert.Error(t, err, "the first fragment must carry the real inner next-payload, never None")

	_, err = sa.AcceptFragment(2, 2, protocol.PayloadTypeSA, []byte("B"))
	assert.Error(t, err, "non-first fragments must carry PayloadTypeNone")
}
