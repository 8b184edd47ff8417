package frame

import (
	"errors"
	"fmt"
)

const (
	// DefaultAddress addresses camera 1 from controller 0.
	DefaultAddress   byte = 0x81
	BroadcastAddress byte = 0x88
	ReplyAddress     byte = 0x90
	Terminator       byte = 0xFF

	// MaxPayloadLen bounds the message bytes between address and terminator.
	MaxPayloadLen = 14
	// MaxFrameLen is the longest packet the protocol allows on the wire.
	MaxFrameLen = MaxPayloadLen + 2

	categoryInquiry byte = 0x09
	cancelNibble    byte = 0x20
)

var (
	ErrInvalidFrame   = errors.New("frame: invalid frame")
	ErrMalformedFrame = errors.New("frame: malformed frame")
)

// Encode wraps a catalog payload into a command frame addressed to address.
func Encode(payload []byte, address byte) ([]byte, error) {
	if err := validAddress(address); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidFrame, len(payload), MaxPayloadLen)
	}
	for i, b := range payload {
		if b == Terminator {
			return nil, fmt.Errorf("%w: terminator byte at payload[%d]", ErrInvalidFrame, i)
		}
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, address)
	out = append(out, payload...)
	out = append(out, Terminator)
	return out, nil
}

// EncodeCancel builds the socket cancel frame (8x 2y FF) for slot.
func EncodeCancel(address byte, slot int) ([]byte, error) {
	if err := validAddress(address); err != nil {
		return nil, err
	}
	if slot < 1 || slot > 0x0F {
		return nil, fmt.Errorf("%w: cancel slot %d", ErrInvalidFrame, slot)
	}
	return []byte{address, cancelNibble | byte(slot), Terminator}, nil
}

// IsInquiry reports whether an encoded frame carries an inquiry (8x 09 ...).
func IsInquiry(b []byte) bool {
	return len(b) > 2 && b[1] == categoryInquiry
}

func validAddress(address byte) error {
	if address < DefaultAddress || address > BroadcastAddress {
		return fmt.Errorf("%w: address 0x%02X outside 0x81..0x88", ErrInvalidFrame, address)
	}
	return nil
}
