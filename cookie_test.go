package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCookieGateRequiredThreshold(t *testing.T) {
	g := NewCookieGate(2)
	assert.False(t, g.Required(0))
	assert.False(t, g.Required(2))
	assert.True(t, g.Required(3))
}

func TestCookieGateComputeVerify(t *testing.T) {
	g := NewCookieGate(128)
	spiI := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ni := []byte{9, 9, 9, 9}

	cookie := g.Compute(spiI, ni)
	assert.True(t, g.Verify(spiI, ni, cookie))
	assert.False(t, g.Verify(spiI, []byte{0, 0, 0, 0}, cookie), "a cookie for a different nonce must not verify")

	other := NewCookieGate(128)
	assert.False(t, other.Verify(spiI, ni, cookie), "cookies are keyed per-gate secret, not portable across gates")
}
