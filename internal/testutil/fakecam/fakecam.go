// Package fakecam is an in-memory VISCA camera for tests. It records every
// frame sent to it and queues scripted replies for Receive.
package fakecam

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/viscactl/internal/protocol/frame"
)

var ErrClosed = errors.New("fakecam: closed")

// Responder returns the replies a camera emits for one inbound frame.
type Responder func(sent []byte) [][]byte

type Camera struct {
	mu      sync.Mutex
	sent    [][]byte
	respond Responder
	sendErr error
	notify  chan struct{}

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func New() *Camera {
	return &Camera{
		notify: make(chan struct{}),
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Respond installs a responder; nil makes the camera silent.
func (c *Camera) Respond(fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = fn
}

// FailSends makes every Send return err until cleared with nil.
func (c *Camera) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Camera) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	respond := c.respond
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()

	if respond != nil {
		for _, r := range respond(b) {
			c.Inject(r)
		}
	}
	return nil
}

func (c *Camera) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Camera) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Inject queues bytes as if the camera had sent them.
func (c *Camera) Inject(b []byte) {
	select {
	case c.inbox <- append([]byte(nil), b...):
	case <-c.closed:
	}
}

// Sent returns copies of every frame sent so far.
func (c *Camera) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	for i, b := range c.sent {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

func (c *Camera) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// WaitSent blocks until at least n frames have been sent.
func (c *Camera) WaitSent(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		count := len(c.sent)
		notify := c.notify
		c.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func Ack(slot int) []byte {
	return []byte{frame.ReplyAddress, 0x40 | byte(slot&0x0F), frame.Terminator}
}

func Completion(slot int) []byte {
	return []byte{frame.ReplyAddress, 0x50 | byte(slot&0x0F), frame.Terminator}
}

// Data builds an inquiry reply carrying data.
func Data(data ...byte) []byte {
	out := []byte{frame.ReplyAddress, 0x50}
	out = append(out, data...)
	return append(out, frame.Terminator)
}

func Error(slot int, code byte) []byte {
	return []byte{frame.ReplyAddress, 0x60 | byte(slot&0x0F), code, frame.Terminator}
}

// Sockets models a camera that acks and completes every command on the
// next of its own sockets, and answers inquiries with fixed data.
func Sockets(count int, inquiry []byte) Responder {
	var mu sync.Mutex
	next := 0
	return func(sent []byte) [][]byte {
		if frame.IsInquiry(sent) {
			if inquiry == nil {
				return nil
			}
			return [][]byte{Data(inquiry...)}
		}
		if len(sent) > 2 && sent[1]&0xF0 == 0x20 {
			return [][]byte{Error(int(sent[1]&0x0F), 0x04)}
		}
		mu.Lock()
		next = next%count + 1
		slot := next
		mu.Unlock()
		return [][]byte{Ack(slot), Completion(slot)}
	}
}

// LowestFree models a camera that acknowledges each command on its lowest
// free socket and holds the socket until Complete. Inquiries and socket
// cancels get no reply.
type LowestFree struct {
	mu   sync.Mutex
	cam  *Camera
	busy []bool
}

// NewLowestFree installs the model as cam's responder.
func NewLowestFree(cam *Camera, count int) *LowestFree {
	l := &LowestFree{cam: cam, busy: make([]bool, count+1)}
	cam.Respond(l.respond)
	return l
}

func (l *LowestFree) respond(sent []byte) [][]byte {
	if frame.IsInquiry(sent) || (len(sent) > 2 && sent[1]&0xF0 == 0x20) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for slot := 1; slot < len(l.busy); slot++ {
		if !l.busy[slot] {
			l.busy[slot] = true
			return [][]byte{Ack(slot)}
		}
	}
	return [][]byte{Error(0, 0x03)}
}

// Complete finishes the command running on slot.
func (l *LowestFree) Complete(slot int) {
	l.mu.Lock()
	l.busy[slot] = false
	l.mu.Unlock()
	l.cam.Inject(Completion(slot))
}
