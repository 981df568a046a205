// Package state defines the IKEv2 finite-state machine: the states an IKE
// or child SA may be in, the outcome taxonomy handlers report back, and the
// static transition table (microcodes) the dispatcher scans to route an
// inbound message to the handler that owns it.
package state

import "fmt"

// FiniteState names one node of the per-SA state machine. Values are
// grouped by role: PARENT_* states belong to the IKE SA's own
// INIT/AUTH negotiation, CHILD_* and REKEY_* to a subordinate child SA.
type FiniteState int

const (
	STATE_IDLE FiniteState = iota
	STATE_START

	// IKE_SA_INIT / IKE_AUTH, initiator side
	PARENT_I0 // sent IKE_SA_INIT request, awaiting response
	PARENT_I1 // sent IKE_AUTH request, awaiting response
	PARENT_I2 // fully established

	// IKE_SA_INIT / IKE_AUTH, responder side
	PARENT_R0 // received IKE_SA_INIT request, about to respond
	PARENT_R1 // received IKE_AUTH request, about to respond / established

	// CREATE_CHILD_SA, additional IPsec child
	CHILD_I0
	CHILD_I1
	CHILD_R0
	CHILD_R1

	// CREATE_CHILD_SA, IKE-SA rekey (the child that will be emancipated)
	REKEY_IKE_I0
	REKEY_IKE_I1
	REKEY_IKE_R0
	REKEY_IKE_R1

	// INFORMATIONAL (delete, liveness, etc.)
	INFO_I0
	INFO_R0

	STATE_DELETED
)

func (s FiniteState) String() string {
	switch s {
	case STATE_IDLE:
		return "IDLE"
	case STATE_START:
		return "START"
	case PARENT_I0:
		return "PARENT_I0"
	case PARENT_I1:
		return "PARENT_I1"
	case PARENT_I2:
		return "PARENT_I2"
	case PARENT_R0:
		return "PARENT_R0"
	case PARENT_R1:
		return "PARENT_R1"
	case CHILD_I0:
		return "CHILD_I0"
	case CHILD_I1:
		return "CHILD_I1"
	case CHILD_R0:
		return "CHILD_R0"
	case CHILD_R1:
		return "CHILD_R1"
	case REKEY_IKE_I0:
		return "REKEY_IKE_I0"
	case REKEY_IKE_I1:
		return "REKEY_IKE_I1"
	case REKEY_IKE_R0:
		return "REKEY_IKE_R0"
	case REKEY_IKE_R1:
		return "REKEY_IKE_R1"
	case INFO_I0:
		return "INFO_I0"
	case INFO_R0:
		return "INFO_R0"
	case STATE_DELETED:
		return "DELETED"
	}
	return fmt.Sprintf("FiniteState(%d)", int(s))
}

// Outcome is the tagged-variant disposition a handler returns (spec §7).
// FAIL carries its notification code in NotifyCode; every other variant
// ignores it.
type Outcome int

const (
	OK Outcome = iota
	SUSPEND
	IGNORE
	DROP
	FATAL
	INTERNAL_ERROR
	FAIL
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case SUSPEND:
		return "SUSPEND"
	case IGNORE:
		return "IGNORE"
	case DROP:
		return "DROP"
	case FATAL:
		return "FATAL"
	case INTERNAL_ERROR:
		return "INTERNAL_ERROR"
	case FAIL:
		return "FAIL"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result packages an Outcome with its FAIL payload.
type Result struct {
	Outcome    Outcome
	NotifyCode uint16 // valid iff Outcome == FAIL; protocol.NotificationType, kept untyped to avoid importing protocol here

	// Response is the wire-encoded reply the handler already sent, set
	// only on OK results that built one. The dispatcher feeds it to
	// AdvanceReplied so a retransmitted request gets the cached answer
	// instead of re-running the handler.
	Response []byte
}

func Ok() Result                        { return Result{Outcome: OK} }
func OkWithResponse(resp []byte) Result { return Result{Outcome: OK, Response: resp} }
func Suspend() Result                   { return Result{Outcome: SUSPEND} }
func Ignore() Result                    { return Result{Outcome: IGNORE} }
func Drop() Result                      { return Result{Outcome: DROP} }
func Fatal() Result                     { return Result{Outcome: FATAL} }
func InternalError() Result             { return Result{Outcome: INTERNAL_ERROR} }
func Fail(code uint16) Result           { return Result{Outcome: FAIL, NotifyCode: code} }

// TimeoutEvent names the timer the completion engine arms after a
// successful transition (spec §4.9).
type TimeoutEvent int

const (
	NULL TimeoutEvent = iota
	RETRANSMIT
	SA_REPLACE
	SO_DISCARD
	RETAIN
	REASSEMBLY
)

func (t TimeoutEvent) String() string {
	switch t {
	case NULL:
		return "NULL"
	case RETRANSMIT:
		return "RETRANSMIT"
	case SA_REPLACE:
		return "SA_REPLACE"
	case SO_DISCARD:
		return "SO_DISCARD"
	case RETAIN:
		return "RETAIN"
	case REASSEMBLY:
		return "REASSEMBLY"
	}
	return fmt.Sprintf("TimeoutEvent(%d)", int(t))
}
