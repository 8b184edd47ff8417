package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func listenCamera(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func readDatagram(t *testing.T, pc *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, from, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("camera read: %v", err)
	}
	return buf[:n], from
}

func TestUDPRawRoundTrip(t *testing.T) {
	testlog.Start(t)
	cam := listenCamera(t)
	u, err := DialUDP(context.Background(), cam.LocalAddr().String(), false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer u.Close()

	cmd := []byte{0x81, 0x01, 0x04, 0x07, 0x02, 0xFF}
	if err := u.Send(context.Background(), cmd); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, from := readDatagram(t, cam)
	if !bytes.Equal(got, cmd) {
		t.Fatalf("raw frame mismatch: % X", got)
	}
	if _, err := cam.WriteToUDP([]byte{0x90, 0x41, 0xFF, 0x90, 0x51, 0xFF}, from); err != nil {
		t.Fatalf("camera write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := u.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	frames, err := frame.Split(reply)
	if err != nil || len(frames) != 2 {
		t.Fatalf("expected two frames in one datagram, got %d err=%v", len(frames), err)
	}
}

func TestUDPEnvelopeSequenceAndFiltering(t *testing.T) {
	testlog.Start(t)
	cam := listenCamera(t)
	u, err := DialUDP(context.Background(), cam.LocalAddr().String(), true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer u.Close()

	ctx := context.Background()
	if err := u.Send(ctx, []byte{0x81, 0x01, 0x04, 0x00, 0x02, 0xFF}); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if err := u.Send(ctx, []byte{0x81, 0x09, 0x04, 0x47, 0xFF}); err != nil {
		t.Fatalf("send inquiry: %v", err)
	}
	first, from := readDatagram(t, cam)
	second, _ := readDatagram(t, cam)
	h1, _, err := frame.Unwrap(first)
	if err != nil || h1.PayloadType != frame.PayloadCommand || h1.Sequence != 1 {
		t.Fatalf("unexpected command envelope %+v err=%v", h1, err)
	}
	h2, _, err := frame.Unwrap(second)
	if err != nil || h2.PayloadType != frame.PayloadInquiry || h2.Sequence != 2 {
		t.Fatalf("unexpected inquiry envelope %+v err=%v", h2, err)
	}

	// Junk, a control reply and a device-setting packet are skipped.
	for _, pkt := range [][]byte{
		{0x01, 0x02},
		append(frame.EncodeHeader(frame.Header{PayloadType: frame.PayloadControlReply, PayloadLen: 1, Sequence: 9}), 0x01),
		frame.Wrap(frame.PayloadDeviceSetting, 3, []byte{0x90, 0x50, 0xFF}),
		frame.Wrap(frame.PayloadReply, 2, []byte{0x90, 0x41, 0xFF}),
	} {
		if _, err := cam.WriteToUDP(pkt, from); err != nil {
			t.Fatalf("camera write: %v", err)
		}
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := u.Receive(rctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x90, 0x41, 0xFF}) {
		t.Fatalf("unexpected payload % X", reply)
	}

	if err := u.ResetSequence(ctx); err != nil {
		t.Fatalf("reset sequence: %v", err)
	}
	reset, _ := readDatagram(t, cam)
	if !bytes.Equal(reset, frame.ResetSequencePacket(0)) {
		t.Fatalf("unexpected reset packet % X", reset)
	}
	if err := u.Send(ctx, []byte{0x81, 0x01, 0x04, 0x00, 0x03, 0xFF}); err != nil {
		t.Fatalf("send after reset: %v", err)
	}
	after, _ := readDatagram(t, cam)
	if h, _, _ := frame.Unwrap(after); h.Sequence != 1 {
		t.Fatalf("sequence should restart at 1, got %d", h.Sequence)
	}
}

func TestUDPReceiveHonorsContext(t *testing.T) {
	testlog.Start(t)
	cam := listenCamera(t)
	u, err := DialUDP(context.Background(), cam.LocalAddr().String(), true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := u.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	_ = u.Close()
	if err := u.Send(context.Background(), []byte{0x81, 0x01, 0xFF}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestStreamSplitsFramesAndSkipsOversized(t *testing.T) {
	testlog.Start(t)
	client, peer := net.Pipe()
	s := NewStream(client, frame.Limits{MaxFrameBytes: 8}, log.Logger)
	defer s.Close()

	go func() {
		_, _ = peer.Write([]byte{0x90, 0x41, 0xFF})
		_, _ = peer.Write([]byte{0x90, 0x50, 1, 2, 3, 4, 5, 6, 7, 8, 0xFF})
		_, _ = peer.Write([]byte{0x90, 0x51, 0xFF})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range [][]byte{{0x90, 0x41, 0xFF}, {0x90, 0x51, 0xFF}} {
		got, err := s.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got % X want % X", got, want)
		}
	}

	sent := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := peer.Read(buf)
		sent <- buf[:n]
	}()
	if err := s.Send(ctx, []byte{0x81, 0x01, 0x06, 0x04, 0xFF}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-sent; !bytes.Equal(got, []byte{0x81, 0x01, 0x06, 0x04, 0xFF}) {
		t.Fatalf("peer got % X", got)
	}
	if err := s.Send(ctx, []byte{0x81, 0x01}); !errors.Is(err, frame.ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame for unterminated frame, got %v", err)
	}

	_ = peer.Close()
	if _, err := s.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after peer hangup, got %v", err)
	}
}

type resetLink struct {
	reads atomic.Int32
}

var errConnReset = errors.New("read: connection reset by peer")

func (l *resetLink) Read([]byte) (int, error) {
	l.reads.Add(1)
	return 0, errConnReset
}

func (l *resetLink) Write(b []byte) (int, error) { return len(b), nil }

func (l *resetLink) Close() error { return nil }

func TestStreamReadFailureIsTerminal(t *testing.T) {
	testlog.Start(t)
	link := &resetLink{}
	s := NewStream(link, frame.DefaultLimits(), log.Logger)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		_, err := s.Receive(ctx)
		if !errors.Is(err, ErrClosed) || !errors.Is(err, errConnReset) {
			t.Fatalf("receive %d: expected ErrClosed wrapping the read error, got %v", i, err)
		}
	}
	if n := link.reads.Load(); n != 1 {
		t.Fatalf("expected one underlying read, got %d", n)
	}
}

func TestTCPStream(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		if _, err := c.Read(buf); err != nil {
			return
		}
		_, _ = c.Write([]byte{0x90, 0x41, 0xFF, 0x90, 0x51, 0xFF})
		time.Sleep(100 * time.Millisecond)
	}()

	conn, err := Open(context.Background(), Options{Kind: KindTCP, Addr: ln.Addr().String()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Send(ctx, []byte{0x81, 0x01, 0x04, 0x07, 0x02, 0xFF}); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := conn.Receive(ctx); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
	}
}

func TestOpenRejectsBadOptions(t *testing.T) {
	testlog.Start(t)
	if _, err := Open(context.Background(), Options{Kind: KindUDP}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for empty addr, got %v", err)
	}
	if _, err := Open(context.Background(), Options{Kind: "carrier-pigeon", Addr: "x"}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for unknown kind, got %v", err)
	}
	if _, err := Open(context.Background(), Options{Kind: KindSerial, Addr: "/dev/viscactl-does-not-exist"}); err == nil {
		t.Fatalf("expected error opening missing serial port")
	}
	for raw, want := range map[string]Kind{"": KindVISCAIP, "UDP": KindUDP, "sony": KindVISCAIP, "serial": KindSerial} {
		if got, err := ParseKind(raw); err != nil || got != want {
			t.Fatalf("%q: got=%q err=%v", raw, got, err)
		}
	}
}
