package ike

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// serialCounter hands out monotonic SA serial numbers. Child SAs reference
// their parent by this serial, not by pointer, so that deleting the parent
// never leaves a child holding a dangling reference (spec.md §9 "cyclic
// references").
var serialCounter uint64

func nextSerial() uint64 { return atomic.AddUint64(&serialCounter, 1) }

// Suspended is the explicit handle an SA holds while an async crypto
// operation (DH, SKEYSEED, AEAD decrypt, cert validation) is in flight.
// Complete sets it on a SUSPEND outcome and clears it on the SA's next OK
// outcome; nothing in this package calls ResumeFn (spec.md §9
// "suspension without closures").
type Suspended struct {
	Md       *MessageDigest
	ResumeFn func(sa *IkeSa, md *MessageDigest, result interface{}) state.Result
}

// OffloadedTask names what the worker pool is currently computing for a
// suspended SA, purely for logging/diagnostics; the actual work item lives
// in the worker pool's own queue.
type OffloadedTask int

const (
	OffloadNone OffloadedTask = iota
	OffloadDhCompute
	OffloadSkeyseed
	OffloadAeadDecrypt
	OffloadCertValidate
)

// RetransmitState tracks one cached response so a repeated request can be
// answered byte-for-byte without re-running its handler (spec.md §4.7/§8
// "retransmit" invariant).
type RetransmitState struct {
	MsgId        uint32
	Packet       []byte   // the full response, or its first fragment
	FragPackets  [][]byte // every fragment, when the response was sent fragmented
	RetryCount   int
	NextInterval uint32 // milliseconds; exponential back-off state
}

// IkeSa is the security association negotiated by IKE_SA_INIT + IKE_AUTH
// (spec.md §3 "IKE SA").
type IkeSa struct {
	Serial uint64

	SpiI protocol.Spi
	SpiR protocol.Spi

	IsInitiator bool

	Fsm *state.Fsm

	ParentSerial uint64 // always 0 for an IkeSa; rekey children are ChildSa values with their own ParentSerial

	// Message-ID sequencing (spec.md §4.7)
	NextUse      uint32
	LastAcked    uint32
	HasLastAcked bool
	LastReceived uint32
	LastReplied  uint32
	HasReplied   bool
	Window       uint32

	SendNextQueue []uint64 // serial numbers of child/rekey SAs awaiting an outbound slot

	Retransmit *RetransmitState

	FragmentationAllowed bool // local policy
	PeerFragments        bool // peer sent N(FRAGMENTATION_SUPPORTED)
	RespondUsingFragments bool // latched true on first inbound SKF (spec.md §4.3)

	Fragments *FragmentTable

	SkeyseedComputed bool

	SkD, SkAi, SkAr, SkEi, SkEr, SkPi, SkPr []byte

	Suspended     *Suspended
	OffloadedTask OffloadedTask

	ConnectionName string
	Opportunistic  bool

	// cached Ni/Nr for SKEYSEED re-derivation on a retried IKE_AUTH
	Ni, Nr []byte

	// CryptoCollaborator holds this SA's *Tkm once SKEYSEED is derived.
	// Typed interface{} to keep this file's vocabulary (serials, fsm,
	// message-ids) independent of the crypto glue in tkm.go.
	CryptoCollaborator interface{}

	// Connection is the resolved connection-policy template bound to this
	// SA (spec.md §4.8); it may be switched once, on the responder path,
	// during identity resolution.
	Connection ConnectionTemplate
	Identities Identities

	// RemoteAddr is the peer this SA talks to; every outbound send for
	// this SA targets it. Set once, when the SA is created.
	RemoteAddr net.Addr

	// TraceID correlates log lines for one SA across retransmits and
	// rekeys without exposing the internal serial counter externally.
	TraceID string
}

func NewIkeSa(isInitiator bool, initial state.FiniteState) *IkeSa {
	return &IkeSa{
		Serial:      nextSerial(),
		IsInitiator: isInitiator,
		Fsm:         state.NewFsm(initial),
		Window:      1,
		TraceID:     uuid.NewString(),
	}
}

func (sa *IkeSa) State() state.FiniteState { return sa.Fsm.State }
func (sa *IkeSa) SetState(s state.FiniteState) { sa.Fsm.SetState(s) }

// SpiPair uniquely identifies an established IKE SA.
type SpiPair struct {
	I, R string
}

func (sa *IkeSa) SpiPair() SpiPair {
	return SpiPair{I: string(sa.SpiI), R: string(sa.SpiR)}
}

// ChildSa is an IPsec (or not-yet-emancipated IKE-rekey) SA subordinate to
// an IkeSa (spec.md §3 "Child SA").
type ChildSa struct {
	Serial       uint64
	ParentSerial uint64

	IsInitiator bool
	Fsm         *state.Fsm

	MsgId uint32 // the CREATE_CHILD_SA/IKE_AUTH message-ID that created this child

	IsRekeyIke bool // true while this child is a not-yet-emancipated IKE-SA rekey

	TsI, TsR []*protocol.Selector

	ProposedTransforms *protocol.Transforms
	SpiIn, SpiOut      protocol.Spi

	IpcompCpiIn, IpcompCpiOut uint16
	IpcompUsed                bool
}

func NewChildSa(parent *IkeSa, isInitiator bool, msgId uint32, initial state.FiniteState) *ChildSa {
	return &ChildSa{
		Serial:       nextSerial(),
		ParentSerial: parent.Serial,
		IsInitiator:  isInitiator,
		Fsm:          state.NewFsm(initial),
		MsgId:        msgId,
	}
}

func (c *ChildSa) State() state.FiniteState    { return c.Fsm.State }
func (c *ChildSa) SetState(s state.FiniteState) { c.Fsm.SetState(s) }
