package frame

import (
	"errors"
	"fmt"
)

// Kind classifies a decoded camera reply.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAck
	KindCompletion
	KindData
	KindSyntaxError
	KindBufferFull
	KindCanceled
	KindNoSocket
	KindNotExecutable
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindAck:           "ack",
	KindCompletion:    "completion",
	KindData:          "data",
	KindSyntaxError:   "syntax_error",
	KindBufferFull:    "buffer_full",
	KindCanceled:      "canceled",
	KindNoSocket:      "no_socket",
	KindNotExecutable: "not_executable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Camera-reported errors.
var (
	ErrSyntax        = errors.New("frame: camera syntax error")
	ErrBufferFull    = errors.New("frame: camera command buffer full")
	ErrCanceled      = errors.New("frame: camera canceled command")
	ErrNoSocket      = errors.New("frame: camera reports no socket")
	ErrNotExecutable = errors.New("frame: camera cannot execute command")
	ErrUnknownReply  = errors.New("frame: unknown reply")
)

const (
	codeSyntax        byte = 0x02
	codeBufferFull    byte = 0x03
	codeCanceled      byte = 0x04
	codeNoSocket      byte = 0x05
	codeNotExecutable byte = 0x41

	nibbleAck        byte = 0x40
	nibbleCompletion byte = 0x50
	nibbleError      byte = 0x60
)

var errorCodes = map[byte]Kind{
	codeSyntax:        KindSyntaxError,
	codeBufferFull:    KindBufferFull,
	codeCanceled:      KindCanceled,
	codeNoSocket:      KindNoSocket,
	codeNotExecutable: KindNotExecutable,
}

// Reply is one decoded camera reply. Slot 0 means the camera did not tag a socket.
type Reply struct {
	Kind Kind
	Slot int
	Data []byte
	Raw  []byte
}

// IsError reports whether the reply terminates a command unsuccessfully.
func (r Reply) IsError() bool {
	switch r.Kind {
	case KindSyntaxError, KindBufferFull, KindCanceled, KindNoSocket, KindNotExecutable, KindUnknown:
		return true
	}
	return false
}

// Err returns the sentinel for camera-reported failures, nil otherwise.
func (r Reply) Err() error {
	var base error
	switch r.Kind {
	case KindSyntaxError:
		base = ErrSyntax
	case KindBufferFull:
		base = ErrBufferFull
	case KindCanceled:
		base = ErrCanceled
	case KindNoSocket:
		base = ErrNoSocket
	case KindNotExecutable:
		base = ErrNotExecutable
	case KindUnknown:
		return fmt.Errorf("%w: % X", ErrUnknownReply, r.Raw)
	default:
		return nil
	}
	if r.Slot == 0 {
		return base
	}
	return fmt.Errorf("%w (socket %d)", base, r.Slot)
}

// Decode classifies one inbound frame.
func Decode(b []byte) (Reply, error) {
	if len(b) < 3 || len(b) > MaxFrameLen {
		return Reply{}, fmt.Errorf("%w: length %d", ErrMalformedFrame, len(b))
	}
	if b[0] != ReplyAddress {
		return Reply{}, fmt.Errorf("%w: header 0x%02X", ErrMalformedFrame, b[0])
	}
	if b[len(b)-1] != Terminator {
		return Reply{}, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
	}
	for i := 1; i < len(b)-1; i++ {
		if b[i] == Terminator {
			return Reply{}, fmt.Errorf("%w: terminator at byte %d", ErrMalformedFrame, i)
		}
	}

	raw := append([]byte(nil), b...)
	out := Reply{Kind: KindUnknown, Slot: int(b[1] & 0x0F), Raw: raw}
	switch b[1] & 0xF0 {
	case nibbleAck:
		if len(b) == 3 {
			out.Kind = KindAck
		}
	case nibbleCompletion:
		if len(b) == 3 {
			out.Kind = KindCompletion
		} else {
			out.Kind = KindData
			out.Data = raw[2 : len(raw)-1]
		}
	case nibbleError:
		if len(b) == 4 {
			if kind, ok := errorCodes[b[2]]; ok {
				out.Kind = kind
			}
		}
	default:
		out.Slot = 0
	}
	return out, nil
}
