package ike

import (
	"net"

	"github.com/msgboxio/log"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// HandleInbound is the dispatcher's entry point for one freshly-received
// UDP datagram (spec.md §4.5). It implements the full selection algorithm:
// header decode, SA lookup, cookie gate, unknown-critical-payload
// pre-check, microcode scan, decrypt-on-demand, classify, and handler
// invocation.
func (d *Dispatcher) HandleInbound(raw []byte, remote, local net.Addr) {
	hdr, err := protocol.DecodeIkeHeader(raw)
	if err != nil {
		log.Warningf("dropping malformed packet from %s: %s", remote, err)
		return
	}

	md := &MessageDigest{Raw: raw, Header: hdr, RemoteAddr: remote, LocalAddr: local}

	if hdr.ExchangeType == protocol.IKE_SA_INIT && !hdr.Flags.IsResponse() {
		d.handleIkeSaInitRequest(md)
		return
	}

	sa := d.lookupSa(hdr)
	if sa == nil {
		if hdr.ExchangeType == protocol.IKE_SA_INIT {
			// a response to an IKE_SA_INIT we never sent, or the SA already
			// timed out; nothing useful to do with it.
			return
		}
		log.V(1).Infof("no SA for %s/%s, replying INVALID_IKE_SPI", hdr.SpiI, hdr.SpiR)
		d.sendBareNotification(md, protocol.ERR_INVALID_IKE_SPI)
		return
	}
	md.Sa = sa
	md.OriginState = sa.State()

	if sa.Suspended != nil {
		// a new message arrives while the SA is off doing async crypto: it
		// is dropped, not processed and not queued for later.
		log.V(2).Infof("sa %d suspended, deferring message %d", sa.Serial, hdr.MsgId)
		return
	}

	if hdr.Flags.IsResponse() {
		d.handleResponse(sa, md)
		return
	}
	d.handleRequest(sa, md)
}

func (d *Dispatcher) lookupSa(hdr *protocol.IkeHeader) *IkeSa {
	if hdr.ExchangeType == protocol.IKE_SA_INIT || len(hdr.SpiR) == 0 || allZero(hdr.SpiR) {
		return d.Sas.FindByInitiatorSpi(hdr.SpiI)
	}
	return d.Sas.FindIke(hdr.SpiI, hdr.SpiR)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) handleRequest(sa *IkeSa, md *MessageDigest) {
	switch sa.ClassifyRequest(md.Header.MsgId) {
	case RequestDropOld:
		log.V(2).Infof("sa %d: dropping old retransmit msgid=%d", sa.Serial, md.Header.MsgId)
		return
	case RequestDropInFlight:
		log.V(2).Infof("sa %d: request msgid=%d already being handled", sa.Serial, md.Header.MsgId)
		return
	case RequestResendCached:
		d.resendCached(sa)
		return
	}

	m, cleartextErrs, encryptedErrs := d.selectMicrocode(sa, md)
	if m == nil {
		d.failNoMatch(sa, md, cleartextErrs, encryptedErrs)
		return
	}

	sa.AdvanceReceived(md.Header.MsgId)
	result := m.Handler(sa, md)
	d.Complete(sa, md, m, result)
	if result.Outcome == state.OK {
		sa.AdvanceReplied(md.Header.MsgId, result.Response, nil)
	}
}

func (d *Dispatcher) handleResponse(sa *IkeSa, md *MessageDigest) {
	switch sa.ClassifyResponse(md.Header.MsgId) {
	case ResponseDropOld, ResponseDropUnexpected:
		log.V(2).Infof("sa %d: dropping response msgid=%d", sa.Serial, md.Header.MsgId)
		return
	}

	m, cleartextErrs, encryptedErrs := d.selectMicrocode(sa, md)
	if m == nil {
		d.failNoMatch(sa, md, cleartextErrs, encryptedErrs)
		return
	}

	sa.AdvanceAcked(md.Header.MsgId)
	result := m.Handler(sa, md)
	d.Complete(sa, md, m, result)

	if serial, ok := sa.ReleaseWindow(); ok {
		sa.Fsm.PostEvent(state.StateEvent{Event: state.MSG_CHILD_SA, Data: serial})
	}
}

// selectMicrocode implements spec.md §4.5 rules 1-6. It returns the
// winning microcode, or nil plus the closest classifier errors seen (to
// pick the right FAIL+notification code).
func (d *Dispatcher) selectMicrocode(sa *IkeSa, md *MessageDigest) (*state.Microcode, PayloadErrors, PayloadErrors) {
	candidates := d.Index[sa.State()]
	if md.Header.ExchangeType == protocol.CREATE_CHILD_SA {
		candidates = append(append([]*state.Microcode{}, candidates...), state.CreateChildSaRows(d.Table)...)
	}

	var lastCleartextErr, lastEncryptedErr PayloadErrors
	reachedDecrypt := false

	for _, m := range candidates {
		if !m.Matches(sa.State(), md.Header.ExchangeType, md.Header.Flags.IsInitiator(), md.Header.Flags.IsResponse()) {
			continue
		}

		if err := md.ParseOuter(); err != nil {
			lastCleartextErr = PayloadErrors{Missing: protocol.BitFor(protocol.PayloadTypeSK)}
			continue
		}
		cErrs := ClassifyCleartext(md.MessagePayloads, m)
		if cErrs.Bad() {
			lastCleartextErr = cErrs
			continue
		}

		if m.RequiredEncrypted == 0 && m.OptionalEncrypted == 0 {
			// a cleartext-only exchange (IKE_SA_INIT, or a notify-only
			// informational before SKEYSEED exists): nothing to decrypt.
			return m, PayloadErrors{}, PayloadErrors{}
		}

		if m.NoSkeyseed && sa.SkeyseedComputed {
			continue
		}
		if !m.NoSkeyseed && !sa.SkeyseedComputed {
			continue
		}

		plaintext, firstNp, err := d.decryptInner(sa, md)
		if err != nil {
			// decrypt failure produces IGNORE, not a FAIL notification
			// (spec.md §7); signal it by returning a microcode with an
			// IGNORE-only handler.
			return ignoreMicrocode, PayloadErrors{}, PayloadErrors{}
		}
		reachedDecrypt = true
		if err := md.ParseInner(plaintext, firstNp); err != nil {
			lastEncryptedErr = PayloadErrors{Missing: 0, Unexpected: 0}
			continue
		}
		eErrs := ClassifyEncrypted(md.EncryptedPayloads, m)
		if eErrs.Bad() {
			lastEncryptedErr = eErrs
			continue
		}
		return m, PayloadErrors{}, PayloadErrors{}
	}

	if reachedDecrypt {
		return nil, PayloadErrors{}, lastEncryptedErr
	}
	return nil, lastCleartextErr, PayloadErrors{}
}

var ignoreMicrocode = &state.Microcode{
	Name:    "decrypt-failure-ignore",
	Handler: func(sa, md interface{}) state.Result { return state.Ignore() },
}

// decryptInner reassembles fragments if needed, then calls through to the
// Tkm collaborator attached to the SA (via md's SK/SKF payload).
func (d *Dispatcher) decryptInner(sa *IkeSa, md *MessageDigest) (plaintext []byte, firstNp protocol.PayloadType, err error) {
	tkm, _ := sa.CryptoCollaborator.(*Tkm)
	if tkm == nil {
		return nil, 0, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "no crypto collaborator bound to SA")
	}

	if skf := md.Outer.Get(protocol.PayloadTypeSKF); skf != nil {
		f := skf.(*protocol.SkfPayload)
		innerNp := protocol.PayloadTypeNone
		if f.FragNumber == 1 {
			innerNp = f.NextPayloadType()
		}
		complete, err := sa.AcceptFragment(int(f.FragNumber), int(f.FragTotal), innerNp, f.Raw)
		if err != nil {
			return nil, 0, err
		}
		if !complete {
			d.armReassembly(sa)
			return nil, 0, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "fragment reassembly incomplete")
		}
		d.cancelReassembly(sa)
		firstNp = sa.Fragments.FirstNp
		synthetic := reassembledSkPacket(md.Header, sa.Fragments.Reassemble())
		plaintext, err = tkm.VerifyDecrypt(synthetic)
		if err != nil {
			return nil, 0, err
		}
		return plaintext, firstNp, nil
	}

	sk := md.Outer.Get(protocol.PayloadTypeSK)
	if sk == nil {
		return nil, 0, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "no SK payload")
	}
	plaintext, err = tkm.VerifyDecrypt(md.Raw)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, sk.NextPayloadType(), nil
}

func (d *Dispatcher) failNoMatch(sa *IkeSa, md *MessageDigest, cleartextErrs, encryptedErrs PayloadErrors) {
	code := protocol.ERR_INVALID_SYNTAX
	if encryptedErrs.Bad() {
		code = protocol.ERR_INVALID_SYNTAX
	}
	_ = cleartextErrs
	if !sa.IsInitiator {
		d.sendNotification(sa, md, code)
	}
}

func (d *Dispatcher) resendCached(sa *IkeSa) {
	if sa.Retransmit == nil || d.Send == nil {
		return
	}
	_ = d.Send(sa.RemoteAddr, sa.Retransmit.Packet)
}

// handleIkeSaInitRequest is the pre-SA-allocation path: unknown-critical
// payload rejection (scenario S3) and the stateless cookie gate (scenario
// S2) both happen before any IkeSa exists.
func (d *Dispatcher) handleIkeSaInitRequest(md *MessageDigest) {
	if err := md.ParseOuter(); err != nil {
		if ikeErr, ok := err.(protocol.IkeError); ok && ikeErr.Code == protocol.ERR_UNSUPPORTED_CRITICAL_PAYLOAD {
			d.sendBareNotification(md, ikeErr.Code)
		}
		return
	}

	if d.Cookie.Required(d.Sas.HalfOpenCount()) {
		ni := md.Outer.Get(protocol.PayloadTypeNonce)
		if ni == nil {
			return
		}
		nonce := ni.(*protocol.NoncePayload)
		n := md.Outer.Get(protocol.PayloadTypeN)
		var gotCookie []byte
		if n != nil {
			if np := n.(*protocol.NotifyPayload); np.NotificationType == protocol.COOKIE {
				gotCookie = np.NotificationMessage
			}
		}
		if gotCookie == nil || !d.Cookie.Verify(md.Header.SpiI, nonce.Nonce, gotCookie) {
			cookie := d.Cookie.Compute(md.Header.SpiI, nonce.Nonce)
			d.sendCookieNotification(md, cookie)
			return
		}
	}

	m := d.selectInitMicrocode(md)
	if m == nil {
		d.sendBareNotification(md, protocol.ERR_NO_PROPOSAL_CHOSEN)
		return
	}

	sa := NewIkeSa(false, m.From)
	sa.SpiI = md.Header.SpiI
	sa.RemoteAddr = md.RemoteAddr
	d.Sas.Insert(sa)
	md.Sa = sa
	md.OriginState = sa.State()

	errs := ClassifyCleartext(md.MessagePayloads, m)
	if errs.Bad() {
		d.sendNotification(sa, md, protocol.ERR_INVALID_SYNTAX)
		d.deleteSa(sa)
		return
	}

	result := m.Handler(sa, md)
	d.Complete(sa, md, m, result)
	if result.Outcome == state.OK {
		d.Sas.BindResponderSpi(sa)
		sa.AdvanceReplied(0, result.Response, nil)
	}
}

func (d *Dispatcher) selectInitMicrocode(md *MessageDigest) *state.Microcode {
	for _, m := range d.Index[state.STATE_START] {
		if m.Exchange != protocol.IKE_SA_INIT || m.Role == state.RoleResponse {
			continue
		}
		return m
	}
	return nil
}
