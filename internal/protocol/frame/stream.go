package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

var (
	ErrFrameTooLong = errors.New("frame: frame exceeds limit")
	ErrTruncated    = errors.New("frame: truncated frame")
)

// Limits constrains stream decode memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: MaxFrameLen}
}

// Reader pulls terminator-delimited frames off a byte stream (TCP, serial).
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxFrameBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Reader{r: bufio.NewReader(r), limits: limits}
}

// ReadFrame returns the next frame including its terminator.
func (fr *Reader) ReadFrame() ([]byte, error) {
	out := make([]byte, 0, fr.limits.MaxFrameBytes)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(out) > 0 {
				return nil, ErrTruncated
			}
			return nil, err
		}
		out = append(out, b)
		if b == Terminator {
			return out, nil
		}
		if len(out) >= fr.limits.MaxFrameBytes {
			fr.discard()
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(out))
		}
	}
}

// discard drops bytes up to and including the next terminator so the
// stream resynchronizes on the following frame.
func (fr *Reader) discard() {
	for {
		b, err := fr.r.ReadByte()
		if err != nil || b == Terminator {
			return
		}
	}
}

// WriteFrame writes an encoded frame in a single call.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) == 0 || b[len(b)-1] != Terminator {
		return fmt.Errorf("%w: unterminated frame", ErrInvalidFrame)
	}
	_, err := w.Write(b)
	return err
}

// Split cuts a buffer carrying one or more frames at each terminator.
func Split(buf []byte) ([][]byte, error) {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b != Terminator {
			continue
		}
		out = append(out, append([]byte(nil), buf[start:i+1]...))
		start = i + 1
	}
	if start != len(buf) {
		return out, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(buf)-start)
	}
	return out, nil
}
