package state

// EventType names an internally posted event, as distinct from an inbound
// wire message — retransmit timers, worker-pool completions, and local
// teardown requests all flow through the same small vocabulary.
type EventType int

const (
	MSG_INIT EventType = iota
	MSG_AUTH
	MSG_CHILD_SA
	MSG_INFORMATIONAL
	SUCCESS
	FAIL_EVENT
	AUTH_FAIL
	INIT_FAIL
	DELETE_IKE_SA
	FINISHED
)

func (e EventType) String() string {
	switch e {
	case MSG_INIT:
		return "MSG_INIT"
	case MSG_AUTH:
		return "MSG_AUTH"
	case MSG_CHILD_SA:
		return "MSG_CHILD_SA"
	case MSG_INFORMATIONAL:
		return "MSG_INFORMATIONAL"
	case SUCCESS:
		return "SUCCESS"
	case FAIL_EVENT:
		return "FAIL"
	case AUTH_FAIL:
		return "AUTH_FAIL"
	case INIT_FAIL:
		return "INIT_FAIL"
	case DELETE_IKE_SA:
		return "DELETE_IKE_SA"
	case FINISHED:
		return "FINISHED"
	}
	return "EventType(unknown)"
}

// StateEvent is one entry on an Fsm's event channel: an event tag plus
// whatever payload it carries (a *MessageDigest for MSG_* events, nil for
// bare signals like FINISHED).
type StateEvent struct {
	Event EventType
	Data  interface{}
}

// Fsm is the minimal per-SA state holder: the current FiniteState plus a
// buffered channel callers post events onto. The root ike package's
// session event loop owns draining it; this package only defines the
// shape so SA bookkeeping (state.State, state.Events) lives next to the
// vocabulary it's made of.
type Fsm struct {
	State  FiniteState
	Events chan StateEvent
}

func NewFsm(initial FiniteState) *Fsm {
	return &Fsm{
		State:  initial,
		Events: make(chan StateEvent, 10),
	}
}

// PostEvent enqueues ev without blocking the caller indefinitely: a full
// queue indicates a stuck session loop, which is a bug elsewhere, not
// something this method should paper over by blocking forever. When the
// queue is full, ev is dropped.
func (f *Fsm) PostEvent(ev StateEvent) {
	select {
	case f.Events <- ev:
	default:
	}
}

func (f *Fsm) SetState(s FiniteState) { f.State = s }
