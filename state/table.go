package state

import "github.com/quietkey/ikev2/protocol"

// HandlerFunc is the uniform shape every transition handler implements:
// (sa, md) -> Result. Both parameters are typed as interface{} here so
// this package stays ignorant of the concrete IkeSa/MessageDigest types
// that live one layer up, in the root ike package, and never needs to
// import it back (spec §9 "polymorphism over handlers").
type HandlerFunc func(sa, md interface{}) Result

// RoleConstraint pins whether a microcode applies to a request or a
// response, independent of which end of the exchange we are.
type RoleConstraint int

const (
	RoleAny RoleConstraint = iota
	RoleRequest
	RoleResponse
)

// Microcode is one row of the static transition table (spec §2 item 5,
// §4.5). The table is built once, when the dispatcher is constructed;
// BuildIndex derives the {from-state -> []*Microcode} lookup from it at that
// same point and nothing mutates either afterward (spec §9 "transition
// table as data").
type Microcode struct {
	Name string

	From FiniteState
	Next FiniteState

	Exchange    protocol.IkeExchangeType
	IsInitiator bool // required value of the header's IKE_I bit for a match
	Role        RoleConstraint

	RequiredCleartext protocol.PayloadBitset
	OptionalCleartext protocol.PayloadBitset

	RequiredEncrypted protocol.PayloadBitset
	OptionalEncrypted protocol.PayloadBitset

	// NoSkeyseed restricts the match to SAs that have not yet computed
	// SKEYSEED (only the very first IKE_AUTH exchange qualifies).
	NoSkeyseed bool

	// RequiredNotification, if non-zero, must be present among the
	// decoded notifications for this row to match.
	RequiredNotification protocol.NotificationType

	Timeout TimeoutEvent
	Handler HandlerFunc
}

// Matches reports the header/role-level constraints only (exchange type,
// initiator flag, request/response role, from-state). Payload and
// notification matching happen later, via the classifier, since they
// require parsing the message first.
func (m *Microcode) Matches(from FiniteState, exchange protocol.IkeExchangeType, isInitiatorFlag bool, isResponse bool) bool {
	if m.Exchange != exchange {
		return false
	}
	if m.From != from && exchange != protocol.CREATE_CHILD_SA {
		return false
	}
	if m.IsInitiator != isInitiatorFlag {
		return false
	}
	switch m.Role {
	case RoleRequest:
		if isResponse {
			return false
		}
	case RoleResponse:
		if !isResponse {
			return false
		}
	}
	return true
}

// Index maps a from-state to every microcode that might apply leaving it,
// in table order, so the dispatcher's "first matching row wins" rule
// (spec §4.5) is satisfied by a linear scan of a short slice.
type Index map[FiniteState][]*Microcode

// BuildIndex computes the inverted index once; callers keep the result
// and never touch the source table or the index afterward.
func BuildIndex(table []*Microcode) Index {
	idx := make(Index)
	for _, m := range table {
		idx[m.From] = append(idx[m.From], m)
	}
	return idx
}

// CreateChildSaRows returns every microcode for the CREATE_CHILD_SA
// exchange, in table order; the dispatcher scans these separately since
// that exchange tolerates a from-state mismatch (spec §4.5 rule 1).
func CreateChildSaRows(table []*Microcode) []*Microcode {
	var rows []*Microcode
	for _, m := range table {
		if m.Exchange == protocol.CREATE_CHILD_SA {
			rows = append(rows, m)
		}
	}
	return rows
}
