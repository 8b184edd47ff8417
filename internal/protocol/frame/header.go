package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// VISCA-over-IP payload types.
const (
	PayloadCommand       uint16 = 0x0100
	PayloadInquiry       uint16 = 0x0110
	PayloadReply         uint16 = 0x0111
	PayloadDeviceSetting uint16 = 0x0120
	PayloadControl       uint16 = 0x0200
	PayloadControlReply  uint16 = 0x0201

	HeaderLen = 8

	controlReset      byte = 0x01
	controlErrorFirst byte = 0x0F
)

var (
	ErrShortHeader        = errors.New("frame: short ip header")
	ErrPayloadLenMismatch = errors.New("frame: ip payload length mismatch")
	ErrControlError       = errors.New("frame: camera control error")
)

// Header is the VISCA-over-IP envelope.
type Header struct {
	PayloadType uint16
	PayloadLen  uint16
	Sequence    uint32
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.PayloadType)
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		PayloadType: binary.BigEndian.Uint16(b[0:2]),
		PayloadLen:  binary.BigEndian.Uint16(b[2:4]),
		Sequence:    binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Wrap prefixes a VISCA frame with the IP envelope. The payload type is
// chosen from the frame category unless payloadType is non-zero.
func Wrap(payloadType uint16, seq uint32, b []byte) []byte {
	if payloadType == 0 {
		payloadType = PayloadCommand
		if IsInquiry(b) {
			payloadType = PayloadInquiry
		}
	}
	out := EncodeHeader(Header{PayloadType: payloadType, PayloadLen: uint16(len(b)), Sequence: seq})
	return append(out, b...)
}

// Unwrap splits an IP packet into its envelope and payload.
func Unwrap(packet []byte) (Header, []byte, error) {
	h, err := DecodeHeader(packet)
	if err != nil {
		return Header{}, nil, err
	}
	payload := packet[HeaderLen:]
	if int(h.PayloadLen) != len(payload) {
		return h, nil, fmt.Errorf("%w: header=%d actual=%d", ErrPayloadLenMismatch, h.PayloadLen, len(payload))
	}
	return h, payload, nil
}

// ResetSequencePacket builds the control command that resets the camera's
// expected sequence number.
func ResetSequencePacket(seq uint32) []byte {
	return append(EncodeHeader(Header{PayloadType: PayloadControl, PayloadLen: 1, Sequence: seq}), controlReset)
}

// ControlReplyErr interprets a control reply payload.
func ControlReplyErr(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty control reply", ErrControlError)
	}
	if payload[0] == controlErrorFirst {
		if len(payload) > 1 {
			return fmt.Errorf("%w: code 0x%02X", ErrControlError, payload[1])
		}
		return ErrControlError
	}
	return nil
}
