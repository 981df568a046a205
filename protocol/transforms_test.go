package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformsWithinAcceptsSuperset(t *testing.T) {
	proposed := append(IKE_AES_GCM_16_DH_2048.AsList(), ESP_AES_GCM_16.AsList()...)
	assert.True(t, IKE_AES_GCM_16_DH_2048.Within(proposed))
}

func TestTransformsWithinRejectsMissingTransform(t *testing.T) {
	proposed := ESP_AES_GCM_16.AsList()
	assert.False(t, IKE_AES_GCM_16_DH_2048.Within(proposed), "an ESP-only proposal can't satisfy an IKE transform set")
}

func TestBitsetOfAndHas(t *testing.T) {
	bs := BitsetOf(PayloadTypeSA, PayloadTypeKE, PayloadTypeNonce)
	assert.True(t, bs.Has(PayloadTypeSA))
	assert.True(t, bs.Has(PayloadTypeKE))
	assert.False(t, bs.Has(PayloadTypeAUTH))
}

func TestBitsetUnionAndWithout(t *testing.T) {
	a := BitsetOf(PayloadTypeSA)
	b := BitsetOf(PayloadTypeKE)
	u := a.Union(b)
	assert.True(t, u.Has(PayloadTypeSA))
	assert.True(t, u.Has(PayloadTypeKE))

	w := u.Without(PayloadTypeSA)
	assert.False(t, w.Has(PayloadTypeSA))
	assert.True(t, w.Has(PayloadTypeKE))
}

func TestEverywherePayloadsIncludesNAndV(t *testing.T) {
	assert.True(t, EverywherePayloads.Has(PayloadTypeN))
	assert.True(t, EverywherePayloads.Has(PayloadTypeV))
	assert.False(t, EverywherePayloads.Has(PayloadTypeSA))
}
