package ike

import (
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// PayloadErrors is the classifier's verdict: three disjoint bitsets plus an
// optional missing-notification flag (spec.md §4.2).
type PayloadErrors struct {
	Missing             protocol.PayloadBitset
	Unexpected          protocol.PayloadBitset
	Excessive           protocol.PayloadBitset
	MissingNotification bool
}

// Bad reports whether any of the four fields is non-empty.
func (e PayloadErrors) Bad() bool {
	return e.Missing != 0 || e.Unexpected != 0 || e.Excessive != 0 || e.MissingNotification
}

// ClassifyCleartext compares the outer PayloadSummary against a microcode's
// cleartext expectations.
func ClassifyCleartext(summary PayloadSummary, m *state.Microcode) PayloadErrors {
	return classify(summary, m.RequiredCleartext, m.OptionalCleartext)
}

// ClassifyEncrypted compares the inner PayloadSummary against a microcode's
// encrypted expectations. Per spec.md §4.2, a message carrying only SKF
// (no bare SK) is treated as if SK were present, since SKF is SK's
// fragmented form.
func ClassifyEncrypted(summary PayloadSummary, m *state.Microcode) PayloadErrors {
	if summary.Present.Has(protocol.PayloadTypeSKF) && !summary.Present.Has(protocol.PayloadTypeSK) {
		summary.Present = summary.Present.Without(protocol.PayloadTypeSKF).Union(protocol.BitFor(protocol.PayloadTypeSK))
	}
	errs := classify(summary, m.RequiredEncrypted, m.OptionalEncrypted)
	if m.RequiredNotification != 0 {
		if !summary.HasNotification || summary.NotificationCode != m.RequiredNotification {
			errs.MissingNotification = true
		}
	}
	return errs
}

func classify(summary PayloadSummary, required, optional protocol.PayloadBitset) PayloadErrors {
	var errs PayloadErrors
	errs.Missing = required &^ summary.Present
	allowed := required.Union(optional).Union(protocol.EverywherePayloads)
	errs.Unexpected = summary.Present &^ allowed

	errs.Excessive = summary.Repeated &^ repeatableBitset
	return errs
}

// repeatableBitset is {N, D, CP, V, CERT, CERTREQ} (spec.md §3 invariant):
// a repeat of anything outside this set is flagged "excessive".
var repeatableBitset = protocol.BitsetOf(
	protocol.PayloadTypeN, protocol.PayloadTypeD, protocol.PayloadTypeCP,
	protocol.PayloadTypeV, protocol.PayloadTypeCERT, protocol.PayloadTypeCERTREQ,
)
