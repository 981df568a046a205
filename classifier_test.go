package ike

import (
	"testing"

	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
	"github.com/stretchr/testify/assert"
)

func TestClassifyCleartextMissingRequired(t *testing.T) {
	m := &state.Microcode{
		RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeKE, protocol.PayloadTypeNonce),
	}
	summary := PayloadSummary{Present: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeKE)}

	errs := ClassifyCleartext(summary, m)
	assert.True(t, errs.Bad())
	assert.True(t, errs.Missing.Has(protocol.PayloadTypeNonce))
	assert.False(t, errs.Missing.Has(protocol.PayloadTypeSA))
}

func TestClassifyCleartextNotifyAlwaysAllowed(t *testing.T) {
	m := &state.Microcode{
		RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSA),
	}
	summary := PayloadSummary{Present: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeN)}

	errs := ClassifyCleartext(summary, m)
	assert.False(t, errs.Bad(), "N is in EverywherePayloads and must never be flagged unexpected")
}

func TestClassifyCleartextUnexpectedPayload(t *testing.T) {
	m := &state.Microcode{
		RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSA),
	}
	summary := PayloadSummary{Present: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeIDi)}

	errs := ClassifyCleartext(summary, m)
	assert.True(t, errs.Bad())
	assert.True(t, errs.Unexpected.Has(protocol.PayloadTypeIDi))
}

func TestClassifyEncryptedSkfTreatedAsSk(t *testing.T) {
	m := &state.Microcode{
		RequiredEncrypted: protocol.BitsetOf(protocol.PayloadTypeSK),
	}
	summary := PayloadSummary{Present: protocol.BitsetOf(protocol.PayloadTypeSKF)}

	errs := ClassifyEncrypted(summary, m)
	assert.False(t, errs.Bad(), "a message carrying only SKF satisfies a RequiredEncrypted SK bit")
}

func TestClassifyEncryptedMissingRequiredNotification(t *testing.T) {
	m := &state.Microcode{
		RequiredNotification: protocol.REKEY_SA,
	}
	summary := PayloadSummary{HasNotification: true, NotificationCode: protocol.COOKIE}

	errs := ClassifyEncrypted(summary, m)
	assert.True(t, errs.MissingNotification)
}

func TestClassifyExcessiveRepeat(t *testing.T) {
	m := &state.Microcode{}
	summary := PayloadSummary{Repeated: protocol.BitsetOf(protocol.PayloadTypeSA)}

	errs := ClassifyCleartext(summary, m)
	assert.True(t, errs.Bad())
	assert.True(t, errs.Excessive.Has(protocol.PayloadTypeSA), "SA is not in the repeatable set")
}
