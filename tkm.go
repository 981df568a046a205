package ike

import (
	"crypto/rand"
	"math/big"

	"github.com/quietkey/ikev2/crypto"
	"github.com/quietkey/ikev2/protocol"
)

// Identities is the out-of-scope identity/credential collaborator (spec.md
// §1 "connection-policy database lookup, identity matching, X.509
// handling"): it supplies the bytes IKE_AUTH signs over and verifies.
type Identities interface {
	ForAuthentication(protocol.IdType) []byte
	AuthData(id []byte, method protocol.AuthMethod) []byte
}

// Tkm ("ticket/key manager") is the crypto collaborator the dispatcher and
// handlers call into for everything spec.md §1 places out of scope: DH,
// SKEYSEED/KEYMAT derivation, SK encrypt/decrypt, and AUTH payload
// construction. It is a concrete stand-in, not the core itself — the
// dispatcher only depends on the methods below.
type Tkm struct {
	suite       *crypto.CipherSuite
	isInitiator bool

	ids Identities

	Nr, Ni *big.Int

	dhPrivate, dhPublic *big.Int
	dhShared            *big.Int

	SKEYSEED, KEYMAT []byte

	skD        []byte
	skPi, skPr []byte
	skAi, skAr []byte
	skEi, skEr []byte
}

func NewTkmInitiator(suite *crypto.CipherSuite, ids Identities) (*Tkm, error) {
	t := &Tkm{suite: suite, isInitiator: true, ids: ids}
	if err := t.ncCreate(suite.Prf.Len * 8); err != nil {
		return nil, err
	}
	if _, err := t.DhCreate(); err != nil {
		return nil, err
	}
	return t, nil
}

func NewTkmResponder(suite *crypto.CipherSuite, theirPublic, ni *big.Int, ids Identities) (*Tkm, error) {
	t := &Tkm{suite: suite, Ni: ni, ids: ids}
	if err := t.ncCreate(ni.BitLen()); err != nil {
		return nil, err
	}
	if _, err := t.DhCreate(); err != nil {
		return nil, err
	}
	if err := t.DhGenerateKey(theirPublic); err != nil {
		return nil, err
	}
	return t, nil
}

// ncCreate generates our nonce: at least half of the negotiated PRF's key
// size and at least 128 bits (RFC 7296 §2.10).
func (t *Tkm) ncCreate(bits int) error {
	if bits < 128 {
		bits = 128
	}
	no, err := rand.Prime(rand.Reader, bits)
	if err != nil {
		return err
	}
	if t.isInitiator {
		t.Ni = no
	} else {
		t.Nr = no
	}
	return nil
}

func (t *Tkm) DhCreate() (*big.Int, error) {
	priv, err := t.suite.DhGroup.private(rand.Reader)
	if err != nil {
		return nil, err
	}
	t.dhPrivate = priv
	t.dhPublic = t.suite.DhGroup.public(priv)
	return t.dhPublic, nil
}

func (t *Tkm) DhPublic() *big.Int { return t.dhPublic }

func (t *Tkm) DhGenerateKey(theirPublic *big.Int) error {
	shared, err := t.suite.DhGroup.diffieHellman(theirPublic, t.dhPrivate)
	if err != nil {
		return err
	}
	t.dhShared = shared
	return nil
}

// IsaCreate derives SKEYSEED and the seven IKE SA keys from it (RFC 7296
// §2.14), storing each into the SA's key fields.
func (t *Tkm) IsaCreate(sa *IkeSa) {
	prf := t.suite.Prf
	SKEYSEED := prf.Compute(append(t.Ni.Bytes(), t.Nr.Bytes()...), t.dhShared.Bytes())

	kmLen := 3*prf.Len + 2*t.suite.KeyLen + 2*t.suite.MacKeyLen
	KEYMAT := prf.PrfPlus(SKEYSEED,
		append(append(t.Ni.Bytes(), t.Nr.Bytes()...), append([]byte(sa.SpiI), sa.SpiR...)...),
		kmLen)

	offset := prf.Len
	t.skD = KEYMAT[0:offset]
	t.skAi = KEYMAT[offset : offset+t.suite.MacKeyLen]
	offset += t.suite.MacKeyLen
	t.skAr = KEYMAT[offset : offset+t.suite.MacKeyLen]
	offset += t.suite.MacKeyLen
	t.skEi = KEYMAT[offset : offset+t.suite.KeyLen]
	offset += t.suite.KeyLen
	t.skEr = KEYMAT[offset : offset+t.suite.KeyLen]
	offset += t.suite.KeyLen
	t.skPi = KEYMAT[offset : offset+prf.Len]
	offset += prf.Len
	t.skPr = KEYMAT[offset : offset+prf.Len]

	t.SKEYSEED, t.KEYMAT = SKEYSEED, KEYMAT

	sa.SkD, sa.SkAi, sa.SkAr = t.skD, t.skAi, t.skAr
	sa.SkEi, sa.SkEr, sa.SkPi, sa.SkPr = t.skEi, t.skEr, t.skPi, t.skPr
	sa.SkeyseedComputed = true
	sa.Ni, sa.Nr = t.Ni.Bytes(), t.Nr.Bytes()
}

// VerifyDecrypt authenticates and decrypts one inbound SK payload's raw
// bytes (everything from the IKE header through the payload's ciphertext
// and ICV).
func (t *Tkm) VerifyDecrypt(ike []byte) ([]byte, error) {
	skA, skE := t.skAi, t.skEi
	if t.isInitiator {
		skA, skE = t.skAr, t.skEr
	}
	return t.suite.VerifyDecrypt(ike, skA, skE)
}

// EncryptMac encrypts payload, protects it together with headers, and
// appends the result to headers, producing the complete message bytes
// (IKE header included).
func (t *Tkm) EncryptMac(headers, payload []byte) ([]byte, error) {
	skA, skE := t.skAr, t.skEr
	if t.isInitiator {
		skA, skE = t.skAi, t.skEi
	}
	return t.suite.EncryptMac(headers, payload, skA, skE)
}

// Auth computes the AUTH payload value (RFC 7296 §2.15): prf(prf(shared
// secret, "Key Pad for IKEv2"), signed1 | prf(SK_p, IDx)).
func (t *Tkm) Auth(signed1 []byte, id *protocol.IdPayload, method protocol.AuthMethod, weAreInitiator bool) []byte {
	key := t.skPr
	if weAreInitiator {
		key = t.skPi
	}
	prf := t.suite.Prf
	signed := append(append([]byte{}, signed1...), prf.Compute(key, id.Encode())...)
	secret := t.ids.AuthData(id.Data, method)
	secret = prf.Compute(secret, []byte("Key Pad for IKEv2"))
	return prf.Compute(secret, signed)[:prf.Len]
}

// IpsecSaCreate derives the four ESP keys for a child SA from SK_d (RFC
// 7296 §2.17).
func (t *Tkm) IpsecSaCreate(ni, nr []byte) (espEi, espAi, espEr, espAr []byte) {
	prf := t.suite.Prf
	kmLen := 2*t.suite.KeyLen + 2*t.suite.MacKeyLen
	KEYMAT := prf.PrfPlus(t.skD, append(append([]byte{}, ni...), nr...), kmLen)

	offset := t.suite.KeyLen
	espEi = KEYMAT[0:offset]
	espAi = KEYMAT[offset : offset+t.suite.MacKeyLen]
	offset += t.suite.MacKeyLen
	espEr = KEYMAT[offset : offset+t.suite.KeyLen]
	offset += t.suite.KeyLen
	espAr = KEYMAT[offset : offset+t.suite.MacKeyLen]
	return
}
