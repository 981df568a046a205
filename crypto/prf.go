package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/quietkey/ikev2/protocol"
)

// Prf is the out-of-scope pseudo-random-function collaborator's required
// interface (spec.md §1): an HMAC-shaped prf(key, data) plus its natural
// output length, which SKEYSEED/KEYMAT derivation sizes its slices by.
type Prf struct {
	Len     int
	Compute func(key, data []byte) []byte
}

func prfTranform(rawId uint16) (*Prf, error) {
	id := protocol.PrfTransformId(rawId)
	var h func() hash.Hash
	switch id {
	case protocol.PRF_HMAC_SHA1:
		h = sha1.New
	case protocol.PRF_HMAC_SHA2_256:
		h = sha256.New
	case protocol.PRF_HMAC_SHA2_384:
		h = sha512.New384
	case protocol.PRF_HMAC_SHA2_512:
		h = sha512.New
	default:
		return nil, fmt.Errorf("unsupported prf transform %d", id)
	}
	return &Prf{
		Len: h().Size(),
		Compute: func(key, data []byte) []byte {
			mac := hmac.New(h, key)
			mac.Write(data)
			return mac.Sum(nil)
		},
	}, nil
}

// PrfPlus implements RFC 7296 §2.13's prf+ construction: T1 = prf(K, S |
// 0x01), T2 = prf(K, T1 | S | 0x02), ... truncated to `length` bytes.
func (p *Prf) PrfPlus(key, seed []byte, length int) []byte {
	var out, prev []byte
	for round := byte(1); len(out) < length; round++ {
		in := append(append([]byte{}, prev...), seed...)
		in = append(in, round)
		prev = p.Compute(key, in)
		out = append(out, prev...)
	}
	return out[:length]
}
