package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Stream carries frames over a byte stream. A pump goroutine splits the
// stream at terminators; Receive hands frames out one at a time.
type Stream struct {
	rw     io.ReadWriteCloser
	logger zerolog.Logger

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	failed  chan struct{}
	err     error

	closeOnce sync.Once
}

func DialTCP(ctx context.Context, addr string, limits frame.Limits) (*Stream, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return NewStream(c, limits, logging.Component("transport").With().Str("addr", addr).Str("kind", string(KindTCP)).Logger()), nil
}

func NewStream(rw io.ReadWriteCloser, limits frame.Limits, logger zerolog.Logger) *Stream {
	s := &Stream{
		rw:     rw,
		logger: logger,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	go s.pump(frame.NewReader(rw, limits))
	return s
}

func (s *Stream) pump(r *frame.Reader) {
	for {
		b, err := r.ReadFrame()
		if errors.Is(err, frame.ErrFrameTooLong) {
			s.logger.Warn().Err(err).Msg("dropping oversized frame")
			continue
		}
		if err != nil {
			select {
			case <-s.done:
				err = ErrClosed
			default:
			}
			s.err = err
			close(s.failed)
			return
		}
		select {
		case s.frames <- b:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) Send(ctx context.Context, b []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dw, ok := s.rw.(deadlineWriter); ok {
		if err := dw.SetWriteDeadline(writeDeadline(ctx)); err != nil {
			return err
		}
	}
	return frame.WriteFrame(s.rw, b)
}

// Receive returns the next whole frame. Frames already pumped are drained
// before a read failure is reported. The pump never resumes after a read
// failure, so every failure wraps ErrClosed.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.frames:
		return b, nil
	default:
	}
	select {
	case b := <-s.frames:
		return b, nil
	case <-s.failed:
		select {
		case b := <-s.frames:
			return b, nil
		default:
		}
		if errors.Is(s.err, io.EOF) {
			return nil, fmt.Errorf("%w: peer closed", ErrClosed)
		}
		if errors.Is(s.err, ErrClosed) {
			return nil, s.err
		}
		return nil, fmt.Errorf("%w: %w", ErrClosed, s.err)
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rw.Close()
	})
	return err
}
