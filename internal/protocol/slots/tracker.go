// Package slots models a camera's fixed set of command sockets.
//
// Socket ids are 1..count, matching the y nibble of camera replies. The
// tracker is not locked; its owner serializes access.
package slots

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrBusy              = errors.New("slots: no free socket")
	ErrUnknownSlot       = errors.New("slots: unknown socket")
	ErrInvalidTransition = errors.New("slots: invalid state transition")
	ErrInvalidCount      = errors.New("slots: socket count must be 1..15")
)

// MaxCount is the largest socket id a reply nibble can address.
const MaxCount = 15

type State uint8

const (
	Free State = iota
	Pending
	Executing
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	default:
		return "free"
	}
}

// Slot is a point-in-time view of one socket.
type Slot struct {
	ID         int       `json:"id"`
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	CommandID  string    `json:"command_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ReleasedAt time.Time `json:"released_at,omitempty"`

	releaseSeq uint64
}

type Tracker struct {
	slots   []Slot
	limit   int
	release uint64
}

func NewTracker(count int) (*Tracker, error) {
	if count < 1 || count > MaxCount {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	t := &Tracker{
		slots: make([]Slot, count),
		limit: count,
	}
	for i := range t.slots {
		t.slots[i].ID = i + 1
	}
	return t, nil
}

// Acquire binds commandID to the free socket released longest ago (ties go
// to the lowest id) and marks it Pending.
func (t *Tracker) Acquire(commandID string, now time.Time) (int, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return 0, fmt.Errorf("%w: empty command id", ErrInvalidTransition)
	}
	if t.InUse() >= t.limit {
		return 0, ErrBusy
	}
	best := -1
	for i := range t.slots {
		s := &t.slots[i]
		if s.State != Free {
			continue
		}
		if best < 0 || s.releaseSeq < t.slots[best].releaseSeq {
			best = i
		}
	}
	if best < 0 {
		return 0, ErrBusy
	}
	s := &t.slots[best]
	s.State = Pending
	s.CommandID = commandID
	s.AcquiredAt = now
	return s.ID, nil
}

// MarkExecuting moves a Pending socket to Executing.
func (t *Tracker) MarkExecuting(id int) error {
	s, err := t.slot(id)
	if err != nil {
		return err
	}
	if s.State != Pending {
		return fmt.Errorf("%w: socket %d is %s", ErrInvalidTransition, id, s.State)
	}
	s.State = Executing
	return nil
}

// Release frees a socket and returns the command id that held it.
func (t *Tracker) Release(id int, now time.Time) (string, error) {
	s, err := t.slot(id)
	if err != nil {
		return "", err
	}
	if s.State == Free {
		return "", fmt.Errorf("%w: socket %d already free", ErrInvalidTransition, id)
	}
	commandID := s.CommandID
	t.free(s, now)
	return commandID, nil
}

// Rebind moves the binding on socket from onto the free socket to. Used when
// the camera acknowledges on a different socket than the one reserved.
func (t *Tracker) Rebind(from, to int, now time.Time) error {
	src, err := t.slot(from)
	if err != nil {
		return err
	}
	dst, err := t.slot(to)
	if err != nil {
		return err
	}
	if src.State == Free {
		return fmt.Errorf("%w: socket %d is free", ErrInvalidTransition, from)
	}
	if dst.State != Free {
		return fmt.Errorf("%w: socket %d is %s", ErrInvalidTransition, to, dst.State)
	}
	dst.State = src.State
	dst.CommandID = src.CommandID
	dst.AcquiredAt = src.AcquiredAt
	t.free(src, now)
	return nil
}

// Swap exchanges the bindings of two busy sockets.
func (t *Tracker) Swap(a, b int) error {
	x, err := t.slot(a)
	if err != nil {
		return err
	}
	y, err := t.slot(b)
	if err != nil {
		return err
	}
	if x.State == Free || y.State == Free {
		return fmt.Errorf("%w: swap %d<->%d needs two busy sockets", ErrInvalidTransition, a, b)
	}
	x.State, y.State = y.State, x.State
	x.CommandID, y.CommandID = y.CommandID, x.CommandID
	x.AcquiredAt, y.AcquiredAt = y.AcquiredAt, x.AcquiredAt
	return nil
}

// Get returns a copy of one socket.
func (t *Tracker) Get(id int) (Slot, error) {
	s, err := t.slot(id)
	if err != nil {
		return Slot{}, err
	}
	return view(*s), nil
}

func (t *Tracker) Snapshot() []Slot {
	out := make([]Slot, len(t.slots))
	for i, s := range t.slots {
		out[i] = view(s)
	}
	return out
}

func (t *Tracker) InUse() int {
	n := 0
	for _, s := range t.slots {
		if s.State != Free {
			n++
		}
	}
	return n
}

func (t *Tracker) Count() int { return len(t.slots) }

// Limit is the current admission limit; it drops below Count while throttled.
func (t *Tracker) Limit() int { return t.limit }

// Throttle caps admissions at the number of busy sockets (at least one)
// after the camera reports a full buffer.
func (t *Tracker) Throttle() {
	n := t.InUse()
	if n < 1 {
		n = 1
	}
	if n < t.limit {
		t.limit = n
	}
}

// Restore lifts a throttle. It reports whether one was active.
func (t *Tracker) Restore() bool {
	if t.limit == len(t.slots) {
		return false
	}
	t.limit = len(t.slots)
	return true
}

// Reset frees every socket and lifts any throttle.
func (t *Tracker) Reset(now time.Time) {
	for i := range t.slots {
		if t.slots[i].State != Free {
			t.free(&t.slots[i], now)
		}
	}
	t.limit = len(t.slots)
}

func (t *Tracker) slot(id int) (*Slot, error) {
	if id < 1 || id > len(t.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, id)
	}
	return &t.slots[id-1], nil
}

func (t *Tracker) free(s *Slot, now time.Time) {
	t.release++
	s.State = Free
	s.CommandID = ""
	s.AcquiredAt = time.Time{}
	s.ReleasedAt = now
	s.releaseSeq = t.release
}

func view(s Slot) Slot {
	s.StateName = s.State.String()
	s.releaseSeq = 0
	return s
}
