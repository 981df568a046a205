package ike

import (
	"github.com/pkg/errors"
	"github.com/quietkey/ikev2/protocol"
)

// maxIdentitySwitchDepth caps the responder connection-template switching
// loop in ResolveIdentity (spec.md §4.8 "a recursion depth cap (e.g. 10)
// prevents loops").
const maxIdentitySwitchDepth = 10

// PeerId is the declared identity extracted from an IDi/IDr payload.
type PeerId struct {
	IdType protocol.IdType
	Data   []byte
}

// ConnectionTemplate is the out-of-scope connection-policy collaborator's
// view of one candidate connection: enough for the resolver to decide
// whether to switch the SA onto it (spec.md §1 "connection-policy
// database lookup... referenced only by their required interface").
type ConnectionTemplate interface {
	Name() string
	MatchesPeerId(PeerId, protocol.AuthMethod) bool
	AllowsIdNull() bool
	ValidateCertChain(certs []*protocol.CertPayload, expect PeerId) bool
}

// ConnectionStore looks up a better-matching template for a peer identity,
// used only on the responder path when refining the connection binding.
type ConnectionStore interface {
	Lookup(PeerId, protocol.AuthMethod) (ConnectionTemplate, bool)
}

// ResolveIdentity implements spec.md §4.8.
//
//  1. extract the peer's declared ID from IDr (responder resolving its own
//     sent identity is not this path; IDi on the responder, IDr on the
//     initiator) -- callers pass which field to read via `fromIdi`.
//  2. if certificates accompany the exchange, match them against the
//     current connection's expected ID.
//  3. if we are the responder, try to refine the connection; a recursion
//     depth cap prevents loops.
//  4. if initiator, never switch: the declared ID must already match.
func ResolveIdentity(sa *IkeSa, md *MessageDigest, current ConnectionTemplate, store ConnectionStore, authMethod protocol.AuthMethod, fromIdi bool) (ConnectionTemplate, PeerId, error) {
	return resolveIdentityDepth(sa, md, current, store, authMethod, fromIdi, 0)
}

func resolveIdentityDepth(sa *IkeSa, md *MessageDigest, current ConnectionTemplate, store ConnectionStore, authMethod protocol.AuthMethod, fromIdi bool, depth int) (ConnectionTemplate, PeerId, error) {
	if depth >= maxIdentitySwitchDepth {
		return nil, PeerId{}, errors.New("identity resolution exceeded recursion depth cap")
	}

	idType := protocol.PayloadTypeIDr
	if fromIdi {
		idType = protocol.PayloadTypeIDi
	}
	raw := md.Inner.Get(idType)
	if raw == nil {
		return nil, PeerId{}, protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "no %s payload", idType)
	}
	idPayload := raw.(*protocol.IdPayload)
	peer := PeerId{IdType: idPayload.IdType, Data: idPayload.Data}

	var certs []*protocol.CertPayload
	for _, pl := range md.Inner.GetAll(protocol.PayloadTypeCERT) {
		certs = append(certs, pl.(*protocol.CertPayload))
	}

	if !sa.IsInitiator {
		if next, ok := store.Lookup(peer, authMethod); ok && next.Name() != current.Name() {
			if peer.IdType == protocol.ID_NULL && !next.AllowsIdNull() {
				// wildcard-declined ID_NULL: stay on the current template
			} else {
				// restart identity decoding once under the new connection
				return resolveIdentityDepth(sa, md, next, store, authMethod, fromIdi, depth+1)
			}
		}
		if len(certs) > 0 && !current.ValidateCertChain(certs, peer) {
			return nil, PeerId{}, protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "certificate chain does not match declared id")
		}
		return current, peer, nil
	}

	// initiator: never switch connections; the declared ID must already
	// match the one we dialed expecting.
	if !current.MatchesPeerId(peer, authMethod) {
		return nil, PeerId{}, protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "responder identity does not match expected peer")
	}
	if len(certs) > 0 && !current.ValidateCertChain(certs, peer) {
		return nil, PeerId{}, protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "certificate chain does not match declared id")
	}
	return current, peer, nil
}
