package ike

import (
	"testing"

	"github.com/quietkey/ikev2/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckProposalsPicksMatchingOne(t *testing.T) {
	cfg := DefaultConfig()

	wrongProtocol := &protocol.SaProposal{ProtocolId: protocol.ESP, SaTransforms: cfg.ProposalEsp.AsList()}
	matching := &protocol.SaProposal{ProtocolId: protocol.IKE, SaTransforms: cfg.ProposalIke.AsList()}

	chosen, err := cfg.CheckProposals(protocol.IKE, []*protocol.SaProposal{wrongProtocol, matching})
	require.NoError(t, err)
	assert.Same(t, matching, chosen)
}

func TestCheckProposalsNoAcceptableProposal(t *testing.T) {
	cfg := DefaultConfig()
	empty := &protocol.SaProposal{ProtocolId: protocol.IKE}

	_, err := cfg.CheckProposals(protocol.IKE, []*protocol.SaProposal{empty})
	assert.Error(t, err)
}

func TestStaticConnectionStoreAlwaysMatches(t *testing.T) {
	cfg := DefaultConfig()
	store := NewStaticConnectionStore(cfg)

	tmpl, ok := store.Lookup(PeerId{IdType: protocol.ID_KEY_ID, Data: []byte("peer")}, protocol.SHARED_KEY_MESSAGE_INTEGRITY_CODE)
	require.True(t, ok)
	assert.Equal(t, cfg.Name(), tmpl.Name())
}
