package ike

import (
	"github.com/pkg/errors"
	"github.com/quietkey/ikev2/protocol"
)

// Config is one connection's negotiated policy (adapted from the
// teacher's config.go): acceptable IKE/ESP proposals and the traffic
// selectors this end is willing to grant.
type Config struct {
	ConnName string

	ProposalIke protocol.Transforms
	ProposalEsp protocol.Transforms

	TsI, TsR []*protocol.Selector

	AuthMethod protocol.AuthMethod

	Opportunistic bool
}

func DefaultConfig() *Config {
	return &Config{
		ConnName:    "default",
		ProposalIke: protocol.IKE_AES_GCM_16_DH_2048,
		ProposalEsp: protocol.ESP_AES_GCM_16,
		AuthMethod:  protocol.SHARED_KEY_MESSAGE_INTEGRITY_CODE,
	}
}

func (cfg *Config) Name() string { return cfg.ConnName }

func (cfg *Config) AllowsIdNull() bool { return cfg.Opportunistic }

func (cfg *Config) MatchesPeerId(peer PeerId, method protocol.AuthMethod) bool {
	return true // a single-connection policy accepts whatever identity it was dialed for
}

func (cfg *Config) ValidateCertChain(certs []*protocol.CertPayload, expect PeerId) bool {
	return true // certificate validation is out of scope (spec.md §1)
}

// CheckProposals picks the first proposal whose transforms cover cfg's
// configured set (spec.md §4.1 domain expansion: negotiation, not just
// parsing).
func (cfg *Config) CheckProposals(prot protocol.ProtocolId, proposals []*protocol.SaProposal) (*protocol.SaProposal, error) {
	for _, prop := range proposals {
		if prop.ProtocolId != prot {
			continue
		}
		want := cfg.ProposalIke
		if prot == protocol.ESP {
			want = cfg.ProposalEsp
		}
		if want.Within(prop.SaTransforms) {
			return prop, nil
		}
	}
	return nil, errors.New("no acceptable proposal")
}

// staticIdentities is a minimal out-of-scope credential stand-in: a single
// pre-shared key used for every connection (spec.md §1 "connection-policy
// database lookup... referenced only by their required interface").
type staticIdentities struct {
	localId  []byte
	psk      []byte
}

func NewPresharedIdentities(localId, psk []byte) Identities {
	return &staticIdentities{localId: localId, psk: psk}
}

func (s *staticIdentities) ForAuthentication(t protocol.IdType) []byte { return s.localId }
func (s *staticIdentities) AuthData(id []byte, method protocol.AuthMethod) []byte { return s.psk }

// staticConnectionStore always returns the same Config; a real deployment
// would look up candidates by peer ID the way the teacher's config does by
// address range.
type staticConnectionStore struct {
	cfg *Config
}

func NewStaticConnectionStore(cfg *Config) ConnectionStore { return &staticConnectionStore{cfg: cfg} }

func (s *staticConnectionStore) Lookup(peer PeerId, method protocol.AuthMethod) (ConnectionTemplate, bool) {
	return s.cfg, true
}
