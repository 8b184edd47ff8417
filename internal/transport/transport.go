// Package transport moves VISCA frames between the engine and a camera.
//
// Every implementation preserves frame boundaries: Send takes one complete
// frame and Receive returns bytes holding whole frames only.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/frame"
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrInvalidOptions = errors.New("transport: invalid options")
)

// Conn is a frame-oriented camera link.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Kind string

const (
	// KindUDP sends bare VISCA frames in datagrams.
	KindUDP Kind = "udp"
	// KindVISCAIP wraps frames in the 8-byte VISCA-over-IP header.
	KindVISCAIP Kind = "visca-ip"
	KindTCP     Kind = "tcp"
	KindSerial  Kind = "serial"
)

const (
	DefaultVISCAIPPort = 52381
	DefaultBaud        = 9600
	serialReadTimeout  = 100 * time.Millisecond
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindUDP, KindVISCAIP, KindTCP, KindSerial:
		return k, nil
	case "":
		return KindVISCAIP, nil
	case "visca_ip", "viscaip", "sony":
		return KindVISCAIP, nil
	default:
		return "", fmt.Errorf("%w: transport %q", ErrInvalidOptions, raw)
	}
}

// Options selects and addresses a link. Addr is host:port for network
// kinds and a device path for serial.
type Options struct {
	Kind   Kind
	Addr   string
	Baud   int
	Limits frame.Limits
}

func Open(ctx context.Context, opts Options) (Conn, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidOptions)
	}
	if opts.Limits.MaxFrameBytes <= 0 {
		opts.Limits = frame.DefaultLimits()
	}
	switch opts.Kind {
	case KindUDP:
		return DialUDP(ctx, opts.Addr, false)
	case KindVISCAIP, "":
		return DialUDP(ctx, opts.Addr, true)
	case KindTCP:
		return DialTCP(ctx, opts.Addr, opts.Limits)
	case KindSerial:
		baud := opts.Baud
		if baud <= 0 {
			baud = DefaultBaud
		}
		return OpenSerial(opts.Addr, baud, opts.Limits)
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalidOptions, opts.Kind)
	}
}

// writeDeadline maps a context deadline onto a connection deadline; no
// deadline clears it.
func writeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
