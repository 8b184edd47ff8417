package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

const maxDatagram = 1500

// UDP is a connected datagram link. With the envelope enabled every frame
// carries the VISCA-over-IP header and a sequence number.
type UDP struct {
	conn     *net.UDPConn
	envelope bool
	seq      atomic.Uint32
	logger   zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func DialUDP(ctx context.Context, addr string, envelope bool) (*UDP, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial udp %s: %w", addr, err)
	}
	u := &UDP{
		conn:     c.(*net.UDPConn),
		envelope: envelope,
		logger:   logging.Component("transport").With().Str("addr", addr).Bool("envelope", envelope).Logger(),
	}
	return u, nil
}

func (u *UDP) Send(ctx context.Context, b []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if err := u.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	packet := b
	if u.envelope {
		packet = frame.Wrap(0, u.seq.Add(1), b)
	}
	_, err := u.conn.Write(packet)
	return err
}

// Receive returns the VISCA bytes of the next datagram. Envelope control
// replies and foreign payload types are logged and skipped.
func (u *UDP) Receive(ctx context.Context) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if !u.envelope {
			return append([]byte(nil), buf[:n]...), nil
		}
		h, payload, err := frame.Unwrap(buf[:n])
		if err != nil {
			u.logger.Debug().Err(err).Int("bytes", n).Msg("dropping datagram")
			continue
		}
		switch h.PayloadType {
		case frame.PayloadReply:
			return append([]byte(nil), payload...), nil
		case frame.PayloadControlReply:
			if err := frame.ControlReplyErr(payload); err != nil {
				u.logger.Warn().Err(err).Uint32("sequence", h.Sequence).Msg("control reply")
			} else {
				u.logger.Debug().Uint32("sequence", h.Sequence).Msg("sequence reset acknowledged")
			}
		default:
			u.logger.Debug().Uint16("payload_type", h.PayloadType).Msg("ignoring payload type")
		}
	}
}

// ResetSequence restarts the envelope sequence counter on both ends. It is
// a no-op without the envelope.
func (u *UDP) ResetSequence(ctx context.Context) error {
	if !u.envelope {
		return nil
	}
	if err := u.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	u.seq.Store(0)
	_, err := u.conn.Write(frame.ResetSequencePacket(0))
	return err
}

func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		err = u.conn.Close()
	})
	return err
}
