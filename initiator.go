package ike

import (
	"net"

	"github.com/quietkey/ikev2/crypto"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// InitiateIkeSa starts a new initiator-side IKE SA against remote: builds
// the IKE proposal's cipher suite, runs the local DH/nonce generation, and
// sends the first cleartext SA/KE/Nonce request (RFC 7296 §1.2). The
// returned SA is already inserted into d.Sas, in PARENT_I0, awaiting the
// IKE_SA_INIT response.
func InitiateIkeSa(d *Dispatcher, remote net.Addr) (*IkeSa, error) {
	cfg := d.Policy

	suite, err := crypto.NewCipherSuite(cfg.ProposalIke)
	if err != nil {
		return nil, err
	}
	tkm, err := NewTkmInitiator(suite, d.Identities)
	if err != nil {
		return nil, err
	}

	sa := NewIkeSa(true, state.PARENT_I0)
	sa.SpiI = randomSpi(8)
	sa.RemoteAddr = remote
	sa.Connection = cfg
	sa.Identities = d.Identities
	sa.ConnectionName = cfg.Name()
	sa.CryptoCollaborator = tkm

	d.Sas.Insert(sa)

	proposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.IKE, SaTransforms: cfg.ProposalIke.AsList()}
	payloads := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{proposal}},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: dhTransformIdFor(cfg.ProposalIke), KeyData: tkm.DhPublic()},
		&protocol.NoncePayload{PayloadHeader: &protocol.PayloadHeader{}, Nonce: tkm.Ni.Bytes()},
		&protocol.NotifyPayload{PayloadHeader: &protocol.PayloadHeader{}, NotificationType: protocol.FRAGMENTATION_SUPPORTED},
	}
	msg := buildCleartextMessage(sa.SpiI, nil, protocol.IKE_SA_INIT, false, true, 0, payloads)

	sa.Retransmit = &RetransmitState{MsgId: 0, Packet: msg}
	if d.Send != nil {
		if err := d.Send(remote, msg); err != nil {
			d.deleteSa(sa)
			return nil, err
		}
	}
	d.armTimeout(sa, state.SO_DISCARD)
	return sa, nil
}

// dhTransformIdFor picks the DH group named by the IKE proposal's own
// transform bundle, so the KE payload's group matches what CheckProposals
// will later accept.
func dhTransformIdFor(trs protocol.Transforms) protocol.DhTransformId {
	if tr, ok := trs[protocol.TRANSFORM_TYPE_DH]; ok {
		return protocol.DhTransformId(tr.Transform.TransformId)
	}
	return protocol.MODP_2048
}
