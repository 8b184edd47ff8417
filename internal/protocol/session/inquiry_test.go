package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/testutil/fakecam"
	"github.com/danmuck/viscactl/internal/testutil/testlog"
)

func TestInquiryDecodesDataReply(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))

	type outcome struct {
		v   catalog.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := e.PerformInquiry(context.Background(), "pan_tilt_position", WithTimeout(2*time.Second))
		done <- outcome{v: v, err: err}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cam.WaitSent(ctx, 1); err != nil {
		t.Fatalf("inquiry not sent: %v", err)
	}
	if _, err := e.PerformInquiry(context.Background(), "zoom_position"); !errors.Is(err, ErrInquiryBusy) {
		t.Fatalf("expected ErrInquiryBusy while one is in flight, got %v", err)
	}
	if got := cam.Sent()[0]; got[1] != 0x09 {
		t.Fatalf("expected inquiry frame, got % X", got)
	}

	deliver(t, e, fakecam.Data(0x0F, 0x0F, 0x0F, 0x0E, 0x00, 0x00, 0x01, 0x00))
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("inquiry: %v", out.err)
		}
		if pan, _ := out.v.Int("pan"); pan != -2 {
			t.Fatalf("pan=%d", pan)
		}
		if tilt, _ := out.v.Int("tilt"); tilt != 0x10 {
			t.Fatalf("tilt=%d", tilt)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("inquiry never resolved")
	}
	for _, s := range e.Slots() {
		if s.CommandID != "" {
			t.Fatalf("inquiry must not occupy a socket: %+v", s)
		}
	}
}

func TestInquiryTimesOutWithoutRetry(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.InquiryTimeout = 20 * time.Millisecond
	e, cam := newTestEngine(t, cfg)
	if _, err := e.PerformInquiry(context.Background(), "focus_mode"); !errors.Is(err, ErrTimeoutFinal) {
		t.Fatalf("expected ErrTimeoutFinal, got %v", err)
	}
	if cam.SentCount() != 1 {
		t.Fatalf("inquiries are not retried, sent=%d", cam.SentCount())
	}
	if _, err := e.PerformInquiry(context.Background(), "no_such_inquiry"); !errors.Is(err, catalog.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestInquiryCameraError(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	cam.Respond(func([]byte) [][]byte {
		return [][]byte{fakecam.Error(0, 0x02)}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx, cam) }()

	if _, err := e.PerformInquiry(context.Background(), "power"); !errors.Is(err, frame.ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}
}

func TestInquiryDoesNotConsumeCommandCompletion(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	cmd := submit(t, e, "zoom_tele")

	done := make(chan error, 1)
	go func() {
		_, err := e.PerformInquiry(context.Background(), "zoom_position", WithTimeout(2*time.Second))
		done <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cam.WaitSent(ctx, 2); err != nil {
		t.Fatalf("inquiry not sent: %v", err)
	}
	deliver(t, e, fakecam.Ack(1), fakecam.Data(0x00, 0x00, 0x00, 0x01), fakecam.Completion(1))
	if err := <-done; err != nil {
		t.Fatalf("inquiry: %v", err)
	}
	if res := waitResult(t, cmd); res.Err != nil {
		t.Fatalf("command: %+v", res)
	}
}
