package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/quietkey/ikev2/protocol"
)

// aeadCipher implements the Cipher interface for combined-mode transforms
// (RFC 7296 §5.1): there is no separate INTEG transform, integrity comes
// from the AEAD tag itself.
type aeadCipher struct {
	protocol.EncrTransformId

	keyLen   int
	ivLen    int
	tagLen   int
	newAead  func(key []byte) (cipher.AEAD, error)
}

func aeadTransform(id uint16, keyLen int, existing *aeadCipher) (*aeadCipher, int, bool) {
	switch protocol.EncrTransformId(id) {
	case protocol.AEAD_AES_GCM_16:
		if keyLen == 0 {
			keyLen = 16 // AES-128 default when the proposal omits a key-length attribute
		}
		return &aeadCipher{
			EncrTransformId: protocol.AEAD_AES_GCM_16,
			keyLen:          keyLen,
			ivLen:           8,
			tagLen:          16,
			newAead: func(key []byte) (cipher.AEAD, error) {
				block, err := aes.NewCipher(key)
				if err != nil {
					return nil, err
				}
				return cipher.NewGCM(block)
			},
		}, keyLen, true
	}
	return existing, keyLen, false
}

func (c *aeadCipher) String() string { return c.EncrTransformId.String() }

func (c *aeadCipher) Overhead(clear []byte) int {
	return c.ivLen + c.tagLen
}

// VerifyDecrypt treats skE as the AEAD key and ignores skA (there is no
// separate integrity key for a combined-mode transform).
func (c *aeadCipher) VerifyDecrypt(ike, skA, skE []byte) (dec []byte, err error) {
	aead, err := c.newAead(skE)
	if err != nil {
		return nil, err
	}
	b := ike[protocol.IKE_HEADER_LEN:]
	body := b[protocol.PAYLOAD_HEADER_LENGTH:]
	nonce := body[:c.ivLen]
	sealed := body[c.ivLen:]
	aad := ike[:protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH]
	return aead.Open(nil, nonce, sealed, aad)
}

func (c *aeadCipher) EncryptMac(headers, payload, skA, skE []byte) (b []byte, err error) {
	aead, err := c.newAead(skE)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.ivLen)
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, payload, headers)
	b = append(append([]byte{}, headers...), nonce...)
	return append(b, sealed...), nil
}
