package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"math/big"

	"github.com/quietkey/ikev2/protocol"
)

// dhGroup is the out-of-scope Diffie-Hellman collaborator's required
// interface (spec.md §1): generate a private/public pair, then combine a
// peer's public value with our private one into a shared secret. Both
// the MODP (finite-field, math/big modexp) and ECP (crypto/ecdh) groups
// RFC 7296 names implement it.
type dhGroup interface {
	private(r io.Reader) (*big.Int, error)
	public(priv *big.Int) *big.Int
	diffieHellman(theirPublic, ourPrivate *big.Int) (*big.Int, error)
}

type modpGroup struct {
	prime     *big.Int
	generator *big.Int
	bitLen    int
}

func (g *modpGroup) private(r io.Reader) (*big.Int, error) {
	return rand.Int(r, g.prime)
}

func (g *modpGroup) public(priv *big.Int) *big.Int {
	return new(big.Int).Exp(g.generator, priv, g.prime)
}

func (g *modpGroup) diffieHellman(theirPublic, ourPrivate *big.Int) (*big.Int, error) {
	return new(big.Int).Exp(theirPublic, ourPrivate, g.prime), nil
}

// ecpGroup wraps crypto/ecdh for the RFC 5903 ECP groups. Private/public
// values travel as *big.Int throughout this package for symmetry with
// modpGroup; the conversion to/from ecdh.PrivateKey/PublicKey happens at
// the boundary.
type ecpGroup struct {
	curve ecdh.Curve
}

func (g *ecpGroup) private(r io.Reader) (*big.Int, error) {
	key, err := g.curve.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(key.Bytes()), nil
}

func (g *ecpGroup) public(priv *big.Int) *big.Int {
	key, err := g.curve.NewPrivateKey(priv.Bytes())
	if err != nil {
		return nil
	}
	return new(big.Int).SetBytes(key.PublicKey().Bytes())
}

func (g *ecpGroup) diffieHellman(theirPublic, ourPrivate *big.Int) (*big.Int, error) {
	priv, err := g.curve.NewPrivateKey(ourPrivate.Bytes())
	if err != nil {
		return nil, err
	}
	pub, err := g.curve.NewPublicKey(theirPublic.Bytes())
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(shared), nil
}

// RFC 3526 MODP group 14 (2048-bit); the others are smaller/larger primes
// of the same shape and are omitted here since the dispatcher only ever
// negotiates group 14 or the ECP groups by default policy.
var modp2048Prime, _ = new(big.Int).SetString(""+
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF",
	16)

var kexAlgoMap = map[protocol.DhTransformId]dhGroup{
	protocol.MODP_2048: &modpGroup{prime: modp2048Prime, generator: big.NewInt(2), bitLen: 2048},
	protocol.ECP_256:   &ecpGroup{curve: ecdh.P256()},
	protocol.ECP_384:   &ecpGroup{curve: ecdh.P384()},
}
