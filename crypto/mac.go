package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/quietkey/ikev2/protocol"
)

// macFunc computes an integrity tag over data with key; simpleCipher
// truncates its output to macLen per the negotiated AUTH transform.
type macFunc func(key, data []byte) []byte

func verifyMac(key, ike []byte, macLen int, fn macFunc) error {
	if fn == nil || macLen == 0 {
		return nil // AUTH_NONE: integrity is provided by the AEAD cipher instead
	}
	l := len(ike)
	msg := ike[:l-macLen]
	tag := ike[l-macLen:]
	expected := fn(key, msg)[:macLen]
	if !hmac.Equal(tag, expected) {
		return protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "integrity check failed")
	}
	return nil
}

// integrityTransform fills in a simpleCipher's mac fields for the
// negotiated AUTH transform. The "_96"/"_128" etc suffix in each
// transform's name is the truncated tag length, per RFC 4868/RFC 2404.
func integrityTransform(id uint16, cs *simpleCipher) (*simpleCipher, bool) {
	if cs == nil {
		cs = &simpleCipher{}
	}
	cs.AuthTransformId = protocol.AuthTransformId(id)
	switch cs.AuthTransformId {
	case protocol.AUTH_HMAC_SHA1_96:
		cs.macFunc = hmacWith(sha1.New)
		cs.macKeyLen = 20
		cs.macLen = 12
	case protocol.AUTH_HMAC_SHA2_256_128:
		cs.macFunc = hmacWith(sha256.New)
		cs.macKeyLen = 32
		cs.macLen = 16
	case protocol.AUTH_HMAC_SHA2_384_192:
		cs.macFunc = hmacWith(sha512.New384)
		cs.macKeyLen = 48
		cs.macLen = 24
	case protocol.AUTH_HMAC_SHA2_512_256:
		cs.macFunc = hmacWith(sha512.New)
		cs.macKeyLen = 64
		cs.macLen = 32
	case protocol.AUTH_NONE:
		cs.macFunc = nil
		cs.macKeyLen = 0
		cs.macLen = 0
	default:
		return nil, false
	}
	return cs, true
}

func hmacWith(h func() hash.Hash) macFunc {
	return func(key, data []byte) []byte {
		mac := hmac.New(h, key)
		mac.Write(data)
		return mac.Sum(nil)
	}
}
