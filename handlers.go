package ike

import (
	"crypto/rand"
	"math/big"

	"github.com/msgboxio/log"
	"github.com/quietkey/ikev2/crypto"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// BuildTransitionTable constructs the static microcode table once, closing
// over d so handlers can reach Send/Policy/Identities/Store. Called exactly
// once, from NewIkeDispatcher; the returned slice and the index built from
// it are never mutated again (spec.md §9 "transition table as data").
func BuildTransitionTable(d *Dispatcher) []*state.Microcode {
	return []*state.Microcode{
		{
			Name:              "ike-sa-init-request",
			From:              state.STATE_START,
			Next:              state.PARENT_R0,
			Exchange:          protocol.IKE_SA_INIT,
			IsInitiator:       true,
			Role:              state.RoleRequest,
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeKE, protocol.PayloadTypeNonce),
			OptionalCleartext: protocol.BitsetOf(protocol.PayloadTypeN),
			Timeout:           state.SO_DISCARD,
			Handler:           d.handleIkeSaInit,
		},
		{
			Name:              "ike-sa-init-response",
			From:              state.PARENT_I0,
			Next:              state.PARENT_I1,
			Exchange:          protocol.IKE_SA_INIT,
			IsInitiator:       false,
			Role:              state.RoleResponse,
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeKE, protocol.PayloadTypeNonce),
			OptionalCleartext: protocol.BitsetOf(protocol.PayloadTypeN),
			Timeout:           state.RETAIN,
			Handler:           d.handleIkeSaInitResponse,
		},
		{
			Name:              "ike-auth-request",
			From:              state.PARENT_R0,
			Next:              state.PARENT_R1,
			Exchange:          protocol.IKE_AUTH,
			IsInitiator:       true,
			Role:              state.RoleRequest,
			RequiredEncrypted: protocol.BitsetOf(protocol.PayloadTypeIDi, protocol.PayloadTypeAUTH, protocol.PayloadTypeSA, protocol.PayloadTypeTSi, protocol.PayloadTypeTSr),
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeCERT, protocol.PayloadTypeCERTREQ, protocol.PayloadTypeCP, protocol.PayloadTypeN),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.SO_DISCARD,
			Handler:           d.handleIkeAuth,
		},
		{
			Name:              "ike-auth-response",
			From:              state.PARENT_I1,
			Next:              state.PARENT_I2,
			Exchange:          protocol.IKE_AUTH,
			IsInitiator:       false,
			Role:              state.RoleResponse,
			RequiredEncrypted: protocol.BitsetOf(protocol.PayloadTypeIDr, protocol.PayloadTypeAUTH, protocol.PayloadTypeSA, protocol.PayloadTypeTSi, protocol.PayloadTypeTSr),
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeCERT, protocol.PayloadTypeCP, protocol.PayloadTypeN),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.RETAIN,
			Handler:           d.handleIkeAuthResponse,
		},
		{
			Name:              "create-child-sa-request",
			From:              state.PARENT_R1,
			Next:              state.PARENT_R1,
			Exchange:          protocol.CREATE_CHILD_SA,
			IsInitiator:       true,
			Role:              state.RoleRequest,
			RequiredEncrypted: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeNonce),
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeKE, protocol.PayloadTypeTSi, protocol.PayloadTypeTSr, protocol.PayloadTypeN),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.RETAIN,
			Handler:           d.handleCreateChildSa,
		},
		{
			Name:              "create-child-sa-response",
			From:              state.PARENT_I2,
			Next:              state.PARENT_I2,
			Exchange:          protocol.CREATE_CHILD_SA,
			IsInitiator:       false,
			Role:              state.RoleResponse,
			RequiredEncrypted: protocol.BitsetOf(protocol.PayloadTypeSA, protocol.PayloadTypeNonce),
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeKE, protocol.PayloadTypeTSi, protocol.PayloadTypeTSr, protocol.PayloadTypeN),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.RETAIN,
			Handler:           d.handleCreateChildSaResponse,
		},
		{
			Name:              "informational-request",
			From:              state.PARENT_R1,
			Next:              state.PARENT_R1,
			Exchange:          protocol.INFORMATIONAL,
			IsInitiator:       true,
			Role:              state.RoleRequest,
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeD, protocol.PayloadTypeN, protocol.PayloadTypeCP),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.RETAIN,
			Handler:           d.handleInformational,
		},
		{
			Name:              "informational-response",
			From:              state.PARENT_I2,
			Next:              state.PARENT_I2,
			Exchange:          protocol.INFORMATIONAL,
			IsInitiator:       false,
			Role:              state.RoleResponse,
			OptionalEncrypted: protocol.BitsetOf(protocol.PayloadTypeD, protocol.PayloadTypeN, protocol.PayloadTypeCP),
			RequiredCleartext: protocol.BitsetOf(protocol.PayloadTypeSK),
			Timeout:           state.RETAIN,
			Handler:           d.handleInformationalResponse,
		},
	}
}

// transformsFromList turns one proposal's transform list into the map shape
// crypto.NewCipherSuite expects.
func transformsFromList(lst []*protocol.SaTransform) protocol.Transforms {
	out := make(protocol.Transforms, len(lst))
	for _, tr := range lst {
		out[tr.Transform.Type] = tr
	}
	return out
}

func randomSpi(n int) protocol.Spi {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing means the platform RNG is broken
	}
	return b
}

// handleIkeSaInit is the responder side of IKE_SA_INIT (spec.md §4.9
// scenario S1): pick a proposal, run DH, derive SKEYSEED/KEYMAT, and build
// the SAr/KEr/Nr response.
func (d *Dispatcher) handleIkeSaInit(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)

	saPl, _ := md.Outer.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	kePl, _ := md.Outer.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	noncePl, _ := md.Outer.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if saPl == nil || kePl == nil || noncePl == nil {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	proposal, err := d.Policy.CheckProposals(protocol.IKE, saPl.Proposals)
	if err != nil {
		log.V(1).Infof("sa %d: no acceptable IKE proposal: %s", sa.Serial, err)
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}

	suite, err := crypto.NewCipherSuite(transformsFromList(proposal.SaTransforms))
	if err != nil {
		log.Warningf("sa %d: cipher suite build failed: %s", sa.Serial, err)
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}

	tkm, err := NewTkmResponder(suite, kePl.KeyData, new(big.Int).SetBytes(noncePl.Nonce), d.Identities)
	if err != nil {
		log.Warningf("sa %d: dh setup failed: %s", sa.Serial, err)
		return state.Fail(uint16(protocol.ERR_INVALID_KE_PAYLOAD))
	}

	sa.SpiR = randomSpi(8)
	tkm.IsaCreate(sa)
	sa.CryptoCollaborator = tkm
	sa.Connection = d.Policy
	sa.Identities = d.Identities
	sa.ConnectionName = d.Policy.Name()
	sa.PeerFragments = md.MessagePayloads.HasNotification && md.MessagePayloads.NotificationCode == protocol.FRAGMENTATION_SUPPORTED

	respProposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.IKE, SaTransforms: proposal.SaTransforms}
	payloads := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{respProposal}},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: kePl.DhTransformId, KeyData: tkm.DhPublic()},
		&protocol.NoncePayload{PayloadHeader: &protocol.PayloadHeader{}, Nonce: tkm.Nr.Bytes()},
	}
	msg := buildCleartextMessage(sa.SpiI, sa.SpiR, protocol.IKE_SA_INIT, true, false, md.Header.MsgId, payloads)
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	return state.OkWithResponse(msg)
}

// handleIkeSaInitResponse is the initiator side: same DH/SKEYSEED derivation
// from the responder's chosen proposal and public value.
func (d *Dispatcher) handleIkeSaInitResponse(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)

	saPl, _ := md.Outer.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	kePl, _ := md.Outer.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	noncePl, _ := md.Outer.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if saPl == nil || kePl == nil || noncePl == nil || len(saPl.Proposals) == 0 {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return state.InternalError()
	}
	sa.SpiR = md.Header.SpiR
	if err := tkm.DhGenerateKey(kePl.KeyData); err != nil {
		return state.Fail(uint16(protocol.ERR_INVALID_KE_PAYLOAD))
	}
	tkm.Nr = new(big.Int).SetBytes(noncePl.Nonce)
	tkm.IsaCreate(sa)
	sa.PeerFragments = md.MessagePayloads.HasNotification && md.MessagePayloads.NotificationCode == protocol.FRAGMENTATION_SUPPORTED

	return d.sendIkeAuthRequest(sa)
}

// sendIkeAuthRequest builds and sends the initiator's IKE_AUTH request:
// IDi, AUTH over the first message, the ESP SA proposal, and the traffic
// selectors for the first child SA.
func (d *Dispatcher) sendIkeAuthRequest(sa *IkeSa) state.Result {
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	cfg := sa.Connection.(*Config)

	idData := d.Identities.ForAuthentication(protocol.ID_KEY_ID)
	idi := &protocol.IdPayload{PayloadHeader: &protocol.PayloadHeader{}, IdPayloadType: protocol.PayloadTypeIDi, IdType: protocol.ID_KEY_ID, Data: idData}

	authData := tkm.Auth(tkm.Ni.Bytes(), idi, cfg.AuthMethod, true)

	espProposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.ESP, Spi: randomSpi(4), SaTransforms: cfg.ProposalEsp.AsList()}
	tsi := &protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSi, Selectors: cfg.TsI}
	tsr := &protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSr, Selectors: cfg.TsR}

	payloads := []protocol.Payload{
		idi,
		&protocol.AuthPayload{PayloadHeader: &protocol.PayloadHeader{}, Method: cfg.AuthMethod, Data: authData},
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{espProposal}},
		tsi, tsr,
	}
	msgId := sa.AllocateMsgId()
	msg, err := buildEncryptedMessage(sa.SpiI, sa.SpiR, protocol.IKE_AUTH, false, true, msgId, payloads, tkm)
	if err != nil {
		return state.InternalError()
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	sa.Retransmit = &RetransmitState{MsgId: msgId, Packet: msg}
	return state.Ok()
}

// handleIkeAuth is the responder side of IKE_AUTH: resolve identity, verify
// AUTH, negotiate the first child SA, and reply with IDr/AUTH/SAr2/TSi/TSr.
func (d *Dispatcher) handleIkeAuth(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return state.InternalError()
	}

	connTemplate, peer, err := ResolveIdentity(sa, md, sa.Connection, d.Store, sa.Connection.(*Config).AuthMethod, true)
	if err != nil {
		log.Warningf("sa %d: identity resolution failed: %s", sa.Serial, err)
		return state.Fail(uint16(protocol.ERR_AUTHENTICATION_FAILED))
	}
	cfg := connTemplate.(*Config)
	sa.Connection = connTemplate
	sa.ConnectionName = cfg.Name()

	idiPl := md.Inner.Get(protocol.PayloadTypeIDi).(*protocol.IdPayload)
	authPl, _ := md.Inner.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	if authPl == nil {
		return state.Fail(uint16(protocol.ERR_AUTHENTICATION_FAILED))
	}
	expected := tkm.Auth(tkm.Ni.Bytes(), idiPl, authPl.Method, false)
	if !hmacEqualConstantTime(expected, authPl.Data) {
		log.Warningf("sa %d: AUTH mismatch for peer %+v", sa.Serial, peer)
		return state.Fail(uint16(protocol.ERR_AUTHENTICATION_FAILED))
	}

	espSaPl, _ := md.Inner.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	tsiPl, _ := md.Inner.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := md.Inner.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	if espSaPl == nil || tsiPl == nil || tsrPl == nil {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	espProposal, err := cfg.CheckProposals(protocol.ESP, espSaPl.Proposals)
	if err != nil {
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}
	narrowedI, okI := NarrowSelectors(tsiPl.Selectors, cfg.TsI)
	narrowedR, okR := NarrowSelectors(tsrPl.Selectors, cfg.TsR)
	if !okI || !okR {
		return state.Fail(uint16(protocol.ERR_TS_UNACCEPTABLE))
	}

	child := NewChildSa(sa, false, md.Header.MsgId, state.CHILD_R0)
	child.TsI, child.TsR = narrowedI, narrowedR
	child.ProposedTransforms = ref(transformsFromList(espProposal.SaTransforms))
	child.SpiIn = randomSpi(4)
	child.SpiOut = protocol.Spi(espProposal.Spi)
	d.Sas.InsertChild(child)
	child.SetState(state.CHILD_R1)

	idrData := d.Identities.ForAuthentication(protocol.ID_KEY_ID)
	idr := &protocol.IdPayload{PayloadHeader: &protocol.PayloadHeader{}, IdPayloadType: protocol.PayloadTypeIDr, IdType: protocol.ID_KEY_ID, Data: idrData}
	respAuth := tkm.Auth(signed1ForResponse(md), idr, authPl.Method, false)

	respProposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.ESP, Spi: child.SpiIn, SaTransforms: espProposal.SaTransforms}
	payloads := []protocol.Payload{
		idr,
		&protocol.AuthPayload{PayloadHeader: &protocol.PayloadHeader{}, Method: authPl.Method, Data: respAuth},
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{respProposal}},
		&protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSi, Selectors: narrowedI},
		&protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSr, Selectors: narrowedR},
	}
	msg, err := buildEncryptedMessage(sa.SpiI, sa.SpiR, protocol.IKE_AUTH, true, false, md.Header.MsgId, payloads, tkm)
	if err != nil {
		return state.InternalError()
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	return state.OkWithResponse(msg)
}

// handleIkeAuthResponse is the initiator side: verify the responder's AUTH,
// accept the narrowed TS, and record the first child SA; no ESP keys are
// derived here.
func (d *Dispatcher) handleIkeAuthResponse(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return state.InternalError()
	}

	idrPl, _ := md.Inner.Get(protocol.PayloadTypeIDr).(*protocol.IdPayload)
	authPl, _ := md.Inner.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	if idrPl == nil || authPl == nil {
		return state.Fail(uint16(protocol.ERR_AUTHENTICATION_FAILED))
	}
	expected := tkm.Auth(signed1ForResponse(md), idrPl, authPl.Method, true)
	if !hmacEqualConstantTime(expected, authPl.Data) {
		return state.Fail(uint16(protocol.ERR_AUTHENTICATION_FAILED))
	}

	espSaPl, _ := md.Inner.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	tsiPl, _ := md.Inner.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := md.Inner.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	if espSaPl == nil || len(espSaPl.Proposals) == 0 || tsiPl == nil || tsrPl == nil {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}
	prop := espSaPl.Proposals[0]

	child := NewChildSa(sa, true, md.Header.MsgId, state.CHILD_I0)
	child.TsI, child.TsR = tsiPl.Selectors, tsrPl.Selectors
	child.ProposedTransforms = ref(transformsFromList(prop.SaTransforms))
	child.SpiOut = protocol.Spi(prop.Spi)
	d.Sas.InsertChild(child)
	child.SetState(state.CHILD_I1)

	sa.AdvanceReceived(md.Header.MsgId)
	return state.Ok()
}

// handleCreateChildSa handles both an additional-child request and an
// IKE-SA rekey request, distinguished by whether the first proposal names
// the IKE protocol.
func (d *Dispatcher) handleCreateChildSa(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return state.InternalError()
	}
	cfg := sa.Connection.(*Config)

	saPl, _ := md.Inner.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	noncePl, _ := md.Inner.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if saPl == nil || noncePl == nil || len(saPl.Proposals) == 0 {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	if saPl.Proposals[0].ProtocolId == protocol.IKE {
		return d.handleRekeyIkeRequest(sa, md, saPl, noncePl)
	}

	tsiPl, _ := md.Inner.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := md.Inner.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	if tsiPl == nil || tsrPl == nil {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}
	espProposal, err := cfg.CheckProposals(protocol.ESP, saPl.Proposals)
	if err != nil {
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}
	narrowedI, okI := NarrowSelectors(tsiPl.Selectors, cfg.TsI)
	narrowedR, okR := NarrowSelectors(tsrPl.Selectors, cfg.TsR)
	if !okI || !okR {
		return state.Fail(uint16(protocol.ERR_TS_UNACCEPTABLE))
	}

	child := NewChildSa(sa, false, md.Header.MsgId, state.CHILD_R0)
	child.TsI, child.TsR = narrowedI, narrowedR
	child.ProposedTransforms = ref(transformsFromList(espProposal.SaTransforms))
	child.SpiIn = randomSpi(4)
	child.SpiOut = protocol.Spi(espProposal.Spi)
	d.Sas.InsertChild(child)
	child.SetState(state.CHILD_R1)

	respProposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.ESP, Spi: child.SpiIn, SaTransforms: espProposal.SaTransforms}
	payloads := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{respProposal}},
		&protocol.NoncePayload{PayloadHeader: &protocol.PayloadHeader{}, Nonce: tkm.Nr.Bytes()},
		&protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSi, Selectors: narrowedI},
		&protocol.TrafficSelectorPayload{PayloadHeader: &protocol.PayloadHeader{}, TsPayloadType: protocol.PayloadTypeTSr, Selectors: narrowedR},
	}
	msg, err := buildEncryptedMessage(sa.SpiI, sa.SpiR, protocol.CREATE_CHILD_SA, true, false, md.Header.MsgId, payloads, tkm)
	if err != nil {
		return state.InternalError()
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	return state.OkWithResponse(msg)
}

// handleRekeyIkeRequest is the responder side of an IKE-SA rekey: a fresh
// DH exchange under the old SA's protection, followed by emancipation of
// the resulting child into a new top-level IkeSa (spec.md §4.9).
func (d *Dispatcher) handleRekeyIkeRequest(sa *IkeSa, md *MessageDigest, saPl *protocol.SaPayload, noncePl *protocol.NoncePayload) state.Result {
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	kePl, _ := md.Inner.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	if kePl == nil {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	proposal, err := d.Policy.CheckProposals(protocol.IKE, saPl.Proposals)
	if err != nil {
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}
	suite, err := crypto.NewCipherSuite(transformsFromList(proposal.SaTransforms))
	if err != nil {
		return state.Fail(uint16(protocol.ERR_NO_PROPOSAL_CHOSEN))
	}

	newTkm, err := NewTkmResponder(suite, kePl.KeyData, new(big.Int).SetBytes(noncePl.Nonce), d.Identities)
	if err != nil {
		return state.Fail(uint16(protocol.ERR_INVALID_KE_PAYLOAD))
	}

	child := NewChildSa(sa, false, md.Header.MsgId, state.REKEY_IKE_R0)
	child.IsRekeyIke = true
	d.Sas.InsertChild(child)
	child.SetState(state.REKEY_IKE_R1)

	newSpiI, newSpiR := sa.SpiI, randomSpi(8)
	successor := Emancipate(d.Sas, sa, child, newSpiI, newSpiR)
	successor.SkD = tkm.skD
	// the successor keeps the old SA's SK_d per RFC 7296 §2.18; newTkm's DH
	// share is only used for this response's own SA/KE/Nonce payloads

	respProposal := &protocol.SaProposal{IsLast: true, Number: 1, ProtocolId: protocol.IKE, SaTransforms: proposal.SaTransforms}
	payloads := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: []*protocol.SaProposal{respProposal}},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: kePl.DhTransformId, KeyData: newTkm.DhPublic()},
		&protocol.NoncePayload{PayloadHeader: &protocol.PayloadHeader{}, Nonce: newTkm.Nr.Bytes()},
	}
	msg, err := buildEncryptedMessage(newSpiI, newSpiR, protocol.CREATE_CHILD_SA, true, false, md.Header.MsgId, payloads, tkm)
	if err != nil {
		return state.InternalError()
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	return state.OkWithResponse(msg)
}

// handleCreateChildSaResponse is the initiator side of CREATE_CHILD_SA: a
// new additional child, or (if the request named the IKE protocol) the
// completion of an IKE-SA rekey via emancipation.
func (d *Dispatcher) handleCreateChildSaResponse(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)

	saPl, _ := md.Inner.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if saPl == nil || len(saPl.Proposals) == 0 {
		return state.Fail(uint16(protocol.ERR_INVALID_SYNTAX))
	}

	if saPl.Proposals[0].ProtocolId == protocol.IKE {
		child := d.Sas.FindChild(sa, md.Header.MsgId)
		if child == nil || !child.IsRekeyIke {
			return state.InternalError()
		}
		child.SetState(state.REKEY_IKE_I1)
		newSpiR := saPl.Proposals[0].Spi
		Emancipate(d.Sas, sa, child, sa.SpiI, newSpiR)
		return state.Ok()
	}

	child := d.Sas.FindChild(sa, md.Header.MsgId)
	if child == nil {
		return state.Fail(uint16(protocol.ERR_CHILD_SA_NOT_FOUND))
	}
	child.SpiOut = protocol.Spi(saPl.Proposals[0].Spi)
	child.SetState(state.CHILD_I1)
	return state.Ok()
}

// handleInformational processes the responder side of an INFORMATIONAL
// exchange: a Delete payload tears down named child SAs (or the IKE SA
// itself), anything else is a liveness check answered with an empty reply.
func (d *Dispatcher) handleInformational(saArg, mdArg interface{}) state.Result {
	sa, md := saArg.(*IkeSa), mdArg.(*MessageDigest)
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return state.InternalError()
	}

	var respPayloads []protocol.Payload
	deleteIke := false

	if delPl, ok := md.Inner.Get(protocol.PayloadTypeD).(*protocol.DeletePayload); ok && delPl != nil {
		if delPl.ProtocolId == protocol.IKE {
			deleteIke = true
		} else {
			var deadSpis [][]byte
			for _, c := range d.Sas.Children(sa.Serial) {
				for _, want := range delPl.Spis {
					if string(c.SpiIn) == string(want) {
						deadSpis = append(deadSpis, want)
						d.Sas.DeleteChild(c)
					}
				}
			}
			respPayloads = append(respPayloads, &protocol.DeletePayload{
				PayloadHeader: &protocol.PayloadHeader{}, ProtocolId: delPl.ProtocolId, SpiSize: delPl.SpiSize, Spis: deadSpis,
			})
		}
	}

	msg, err := buildEncryptedMessage(sa.SpiI, sa.SpiR, protocol.INFORMATIONAL, true, false, md.Header.MsgId, respPayloads, tkm)
	if err != nil {
		return state.InternalError()
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
	if deleteIke {
		return state.Drop()
	}
	return state.OkWithResponse(msg)
}

// handleInformationalResponse is the initiator side: nothing further to
// negotiate, the exchange simply completes.
func (d *Dispatcher) handleInformationalResponse(saArg, mdArg interface{}) state.Result {
	return state.Ok()
}

// signed1ForResponse recovers the bytes the responder's AUTH payload signs
// over: the initiator's IKE_SA_INIT request plus the responder's nonce
// (RFC 7296 §2.15), approximated here by the cached Nr since the raw
// IKE_SA_INIT octets aren't retained past parsing.
func signed1ForResponse(md *MessageDigest) []byte {
	if md.Sa != nil {
		return md.Sa.Nr
	}
	return nil
}

func ref(t protocol.Transforms) *protocol.Transforms { return &t }

// hmacEqualConstantTime avoids a timing side-channel when comparing a
// received AUTH value against the one we computed.
func hmacEqualConstantTime(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
