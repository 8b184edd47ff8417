package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
)

// Phase is the lifecycle position of one request.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseSlotAcquired
	PhaseSent
	PhaseAcknowledged
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseSlotAcquired:
		return "slot_acquired"
	case PhaseSent:
		return "sent"
	case PhaseAcknowledged:
		return "acknowledged"
	case PhaseResolved:
		return "resolved"
	default:
		return "created"
	}
}

// Outcome is the terminal classification of a request.
type Outcome uint8

const (
	OutcomeCompletion Outcome = iota + 1
	OutcomeCameraError
	OutcomeTimeout
	OutcomeCanceled
	OutcomeTransport
	OutcomeNoSlot
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompletion:
		return "completion"
	case OutcomeCameraError:
		return "camera_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeTransport:
		return "transport_error"
	case OutcomeNoSlot:
		return "no_slot"
	case OutcomeClosed:
		return "closed"
	default:
		return "unresolved"
	}
}

// Result is the terminal state of a request. Reply is the zero value unless
// the camera's reply resolved it.
type Result struct {
	CommandID string        `json:"command_id"`
	Op        string        `json:"op"`
	Outcome   Outcome       `json:"-"`
	Slot      int           `json:"slot,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Reply     frame.Reply   `json:"-"`
	Err       error         `json:"-"`
}

// Pending is one in-flight request. Fields below the engine pointer are
// guarded by the engine mutex.
type Pending struct {
	ID       string
	Op       string
	Class    catalog.Class
	Frame    []byte
	IssuedAt time.Time

	engine *Engine
	done   chan struct{}

	phase    Phase
	slot     int
	lastSlot int
	slotless bool
	attempts int
	sentAt   time.Time
	result   Result
}

// PendingInfo is a point-in-time view of an unresolved request.
type PendingInfo struct {
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	Class    string    `json:"class"`
	Phase    string    `json:"phase"`
	Slot     int       `json:"slot,omitempty"`
	Attempts int       `json:"attempts"`
	IssuedAt time.Time `json:"issued_at"`
	Frame    string    `json:"frame"`
}

// Done is closed once the request reaches a terminal outcome.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the terminal result once Done is closed.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request resolves. If ctx ends first the request is
// canceled locally.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.engine.cancel(p, ctx.Err())
		<-p.done
	}
	return p.result, p.result.Err
}

// Cancel resolves the request as canceled and frees its socket. The camera
// may still act on a frame it already received.
func (p *Pending) Cancel() bool {
	return p.engine.cancel(p, nil)
}

func (p *Pending) info() PendingInfo {
	return PendingInfo{
		ID:       p.ID,
		Op:       p.Op,
		Class:    p.Class.String(),
		Phase:    p.phase.String(),
		Slot:     p.slot,
		Attempts: p.attempts,
		IssuedAt: p.IssuedAt,
		Frame:    fmt.Sprintf("% X", p.Frame),
	}
}
