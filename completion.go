package ike

import (
	"net"
	"time"

	"github.com/msgboxio/log"
	"github.com/quietkey/ikev2/protocol"
	"github.com/quietkey/ikev2/state"
)

// retransmitBaseInterval and retransmitCap implement the exponential
// back-off named in spec.md §6 ("typical default 500ms, exponential
// back-off to a cap, total max ~60s").
const (
	retransmitBaseInterval = 500 * time.Millisecond
	retransmitCap          = 8 * time.Second
	retransmitMaxTotal     = 60 * time.Second
	responderWaitTimeout   = 60 * time.Second
)

// Timers is the per-SA set of scheduled callbacks the completion engine
// arms and cancels. Using time.AfterFunc (rather than a custom wheel)
// matches the cooperative event-loop model of spec.md §5: each fire just
// posts an event back onto the SA's Fsm instead of touching SA state from
// another goroutine.
type Timers struct {
	retransmit *time.Timer
	discard    *time.Timer
	saReplace  *time.Timer
	reassembly *time.Timer
}

func (t *Timers) cancelAll() {
	if t == nil {
		return
	}
	stop(t.retransmit)
	stop(t.discard)
	stop(t.saReplace)
	stop(t.reassembly)
}

func stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Dispatcher is the completion engine's home: it owns the SA table, the
// cookie gate, and the constant transition table/index, and is the single
// object every handler's outcome routes back through (spec.md §4.6, §4.9).
type Dispatcher struct {
	Sas    *SaTable
	Cookie *CookieGate
	Table  []*state.Microcode
	Index  state.Index

	// Send delivers one outbound datagram to remote; wired to a Conn by
	// the session that owns this dispatcher.
	Send func(remote net.Addr, packet []byte) error

	// Policy/Identities/Store are the out-of-scope connection-policy and
	// credential collaborators (spec.md §1) every handler built by
	// BuildTransitionTable closes over.
	Policy     *Config
	Identities Identities
	Store      ConnectionStore

	timers map[uint64]*Timers
}

func NewDispatcher(table []*state.Microcode) *Dispatcher {
	return &Dispatcher{
		Sas:    NewSaTable(),
		Cookie: NewCookieGate(128),
		Table:  table,
		Index:  state.BuildIndex(table),
		timers: make(map[uint64]*Timers),
	}
}

// NewIkeDispatcher builds a fully-wired dispatcher: the transition table
// is constructed once, closing over the dispatcher itself so handlers can
// send responses, and never touched again afterward (spec.md §9
// "transition table as data").
func NewIkeDispatcher(policy *Config, identities Identities, store ConnectionStore) *Dispatcher {
	d := &Dispatcher{
		Sas:        NewSaTable(),
		Cookie:     NewCookieGate(128),
		timers:     make(map[uint64]*Timers),
		Policy:     policy,
		Identities: identities,
		Store:      store,
	}
	d.Table = BuildTransitionTable(d)
	d.Index = state.BuildIndex(d.Table)
	return d
}

func (d *Dispatcher) timersFor(serial uint64) *Timers {
	t, ok := d.timers[serial]
	if !ok {
		t = &Timers{}
		d.timers[serial] = t
	}
	return t
}

// Complete applies a handler's state.Result to sa/md per the outcome
// taxonomy (spec.md §7).
func (d *Dispatcher) Complete(sa *IkeSa, md *MessageDigest, m *state.Microcode, result state.Result) {
	switch result.Outcome {
	case state.OK:
		sa.SetState(m.Next)
		sa.Suspended = nil
		d.armTimeout(sa, m.Timeout)
		log.V(1).Infof("sa %d [%s]: %s -> %s (%s)", sa.Serial, sa.TraceID, m.From, m.Next, m.Name)

	case state.SUSPEND:
		sa.Suspended = &Suspended{Md: md}
		log.V(1).Infof("sa %d: suspended in %s awaiting async completion", sa.Serial, sa.State())

	case state.IGNORE:
		log.V(2).Infof("sa %d: ignoring message (outcome IGNORE)", sa.Serial)

	case state.DROP:
		log.V(1).Infof("sa %d: dropping SA, no notification", sa.Serial)
		d.deleteSa(sa)

	case state.FATAL:
		log.Errorf("sa %d: fatal error, tearing down", sa.Serial)
		d.deleteSa(sa)

	case state.INTERNAL_ERROR:
		log.Errorf("sa %d: internal error in handler, preserving SA for debugging", sa.Serial)

	case state.FAIL:
		code := protocol.NotificationType(result.NotifyCode)
		log.Errorf("sa %d connection %s: %s", sa.Serial, sa.ConnectionName, code)
		if !sa.IsInitiator {
			d.sendNotification(sa, md, code)
		}
		if !sa.SkeyseedComputed {
			d.deleteSa(sa)
		} else {
			d.armTimeout(sa, state.SO_DISCARD)
		}
	}
}

// sendNotification emits a bare N(code) response; within SK when the SA
// has keys, outermost otherwise (spec.md §7 "within SK where possible;
// outermost for IKE_SA_INIT errors"). The message is encoded by
// BuildNotifyResponse and handed to d.Send.
func (d *Dispatcher) sendNotification(sa *IkeSa, md *MessageDigest, code protocol.NotificationType) {
	if d.Send == nil {
		return
	}
	msg := BuildNotifyResponse(sa, md, code)
	if msg != nil {
		_ = d.Send(sa.RemoteAddr, msg)
	}
}

func (d *Dispatcher) deleteSa(sa *IkeSa) {
	if t, ok := d.timers[sa.Serial]; ok {
		t.cancelAll()
		delete(d.timers, sa.Serial)
	}
	d.Sas.Delete(sa)
}

// armTimeout schedules (or leaves alone) the timer named by a microcode's
// timeout_event (spec.md §4.9).
func (d *Dispatcher) armTimeout(sa *IkeSa, ev state.TimeoutEvent) {
	timers := d.timersFor(sa.Serial)
	switch ev {
	case state.RETRANSMIT:
		stop(timers.retransmit)
		timers.retransmit = time.AfterFunc(retransmitBaseInterval, func() {
			d.onRetransmitTimeout(sa)
		})
	case state.SA_REPLACE:
		stop(timers.saReplace)
		timers.saReplace = time.AfterFunc(retransmitMaxTotal, func() {
			sa.Fsm.PostEvent(state.StateEvent{Event: state.DELETE_IKE_SA})
		})
	case state.SO_DISCARD:
		stop(timers.discard)
		timers.discard = time.AfterFunc(responderWaitTimeout, func() {
			sa.Fsm.PostEvent(state.StateEvent{Event: state.DELETE_IKE_SA})
		})
	case state.RETAIN:
		// leave existing timers untouched
	case state.REASSEMBLY:
		d.armReassembly(sa)
	case state.NULL:
		// no-op
	}
}

// armReassembly (re)starts the fragment-reassembly deadline on every
// accepted SKF fragment; firing abandons the partial table so a later
// retransmitted first fragment can start a clean reassembly.
func (d *Dispatcher) armReassembly(sa *IkeSa) {
	if sa.Fragments == nil {
		return
	}
	timeout := sa.Fragments.ReassemblyTimeout
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	timers := d.timersFor(sa.Serial)
	stop(timers.reassembly)
	timers.reassembly = time.AfterFunc(timeout, func() {
		log.V(1).Infof("sa %d: fragment reassembly timed out, discarding partial table", sa.Serial)
		sa.Fragments = nil
		sa.RespondUsingFragments = false
	})
}

// cancelReassembly stops the reassembly deadline once a fragmented message
// completes (spec.md §4.3).
func (d *Dispatcher) cancelReassembly(sa *IkeSa) {
	if t, ok := d.timers[sa.Serial]; ok {
		stop(t.reassembly)
	}
}

func (d *Dispatcher) onRetransmitTimeout(sa *IkeSa) {
	if sa.Retransmit == nil {
		return
	}
	r := sa.Retransmit
	r.RetryCount++
	next := retransmitBaseInterval << uint(r.RetryCount)
	if next > retransmitCap {
		next = retransmitCap
	}
	r.NextInterval = uint32(next.Milliseconds())
	// time waited so far: the first interval plus every backed-off one since
	elapsed := retransmitBaseInterval
	for i := 1; i < r.RetryCount; i++ {
		step := retransmitBaseInterval << uint(i)
		if step > retransmitCap {
			step = retransmitCap
		}
		elapsed += step
	}
	if elapsed > retransmitMaxTotal {
		sa.Fsm.PostEvent(state.StateEvent{Event: state.DELETE_IKE_SA})
		return
	}
	if d.Send != nil {
		_ = d.Send(sa.RemoteAddr, r.Packet)
	}
	timers := d.timersFor(sa.Serial)
	timers.retransmit = time.AfterFunc(next, func() { d.onRetransmitTimeout(sa) })
}
