package session

import (
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/protocol/slots"
)

type action uint8

const (
	actionStale action = iota
	actionAck
	actionRebind
	actionSwap
	actionDuplicateAck
	actionResolve
)

func (a action) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRebind:
		return "rebind"
	case actionSwap:
		return "swap"
	case actionDuplicateAck:
		return "duplicate_ack"
	case actionResolve:
		return "resolve"
	default:
		return "stale"
	}
}

type match struct {
	action  action
	pending *Pending
	other   *Pending // displaced by actionSwap
}

// matcher correlates replies with requests. It holds the socket bindings
// plus every sent, unresolved request in send order. Owned by Engine and
// guarded by its mutex.
type matcher struct {
	bySlot map[int]*Pending
	order  []*Pending
}

func newMatcher() *matcher {
	return &matcher{bySlot: make(map[int]*Pending)}
}

func (m *matcher) bind(slot int, p *Pending) {
	m.bySlot[slot] = p
}

func (m *matcher) unbind(slot int) {
	delete(m.bySlot, slot)
}

func (m *matcher) rebind(from, to int, p *Pending) {
	if m.bySlot[from] == p {
		delete(m.bySlot, from)
	}
	m.bySlot[to] = p
}

// track records p as the most recently sent request.
func (m *matcher) track(p *Pending) {
	m.remove(p)
	m.order = append(m.order, p)
}

// forget drops p from the send order and from any socket it holds.
func (m *matcher) forget(p *Pending) {
	m.remove(p)
	for slot, bound := range m.bySlot {
		if bound == p {
			delete(m.bySlot, slot)
		}
	}
}

func (m *matcher) remove(p *Pending) {
	for i, q := range m.order {
		if q == p {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *matcher) newest() *Pending {
	if len(m.order) == 0 {
		return nil
	}
	return m.order[len(m.order)-1]
}

// oldestUnacked is the earliest socket-bound command still waiting for Ack.
func (m *matcher) oldestUnacked() *Pending {
	for _, p := range m.order {
		if !p.slotless && p.phase == PhaseSent {
			return p
		}
	}
	return nil
}

func (m *matcher) oldestSlotless() *Pending {
	for _, p := range m.order {
		if p.slotless {
			return p
		}
	}
	return nil
}

// route decides what a reply does. It never mutates state; the engine
// applies the returned action.
//
// Ack: cameras acknowledge in the order commands reach the wire and pick
// the socket themselves, so an Ack belongs to the oldest command still
// waiting for one. That command moves to the acknowledged socket; a later
// unacked command holding the socket takes its old reservation. An Ack on a
// socket whose command already executes is a duplicate.
// Completion: resolves the command bound to the socket. Socket 0 resolves
// the oldest slotless request (interface clear).
// Data: resolves the oldest slotless request (inquiries are single flight).
// Errors on a socket resolve the command bound there. NotExecutable on an
// unbound socket is a rejection in place of an Ack and resolves the oldest
// command still waiting for Ack. Errors on socket 0 resolve the most
// recently sent unresolved request.
// Unknown replies only resolve a command bound to their socket.
func (m *matcher) route(r frame.Reply, tr *slots.Tracker) match {
	bound := m.bySlot[r.Slot]
	switch r.Kind {
	case frame.KindAck:
		if bound != nil && bound.phase == PhaseAcknowledged {
			return match{action: actionDuplicateAck, pending: bound}
		}
		p := m.oldestUnacked()
		switch {
		case p == nil:
		case bound == p:
			return match{action: actionAck, pending: p}
		case bound != nil:
			return match{action: actionSwap, pending: p, other: bound}
		case socketFree(tr, r.Slot):
			return match{action: actionRebind, pending: p}
		}
	case frame.KindCompletion:
		if r.Slot == 0 {
			if p := m.oldestSlotless(); p != nil {
				return match{action: actionResolve, pending: p}
			}
			break
		}
		if bound != nil {
			return match{action: actionResolve, pending: bound}
		}
	case frame.KindData:
		if p := m.oldestSlotless(); p != nil {
			return match{action: actionResolve, pending: p}
		}
	case frame.KindUnknown:
		if r.Slot != 0 && bound != nil {
			return match{action: actionResolve, pending: bound}
		}
	default:
		if r.Slot == 0 {
			if p := m.newest(); p != nil {
				return match{action: actionResolve, pending: p}
			}
			break
		}
		if bound != nil {
			return match{action: actionResolve, pending: bound}
		}
		if r.Kind == frame.KindNotExecutable {
			if p := m.oldestUnacked(); p != nil {
				return match{action: actionResolve, pending: p}
			}
		}
	}
	return match{action: actionStale}
}

func socketFree(tr *slots.Tracker, id int) bool {
	s, err := tr.Get(id)
	return err == nil && s.State == slots.Free
}
