package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/protocol/slots"
	"github.com/danmuck/viscactl/internal/testutil/fakecam"
	"github.com/danmuck/viscactl/internal/testutil/testlog"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.CommandTimeout = 2 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakecam.Camera) {
	t.Helper()
	cam := fakecam.New()
	e, err := NewEngine(cfg, cam)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
		_ = cam.Close()
	})
	return e, cam
}

func submit(t *testing.T, e *Engine, name string, opts ...CallOption) *Pending {
	t.Helper()
	p, err := e.Submit(context.Background(), name, nil, opts...)
	if err != nil {
		t.Fatalf("submit %s: %v", name, err)
	}
	return p
}

func deliver(t *testing.T, e *Engine, frames ...[]byte) {
	t.Helper()
	for _, b := range frames {
		if err := e.Deliver(b); err != nil {
			t.Fatalf("deliver % X: %v", b, err)
		}
	}
}

func waitResult(t *testing.T, p *Pending) Result {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not resolve", p.Op)
	}
	res, _ := p.Result()
	return res
}

func assertUnresolved(t *testing.T, p *Pending) {
	t.Helper()
	if res, ok := p.Result(); ok {
		t.Fatalf("%s resolved unexpectedly: %+v", p.Op, res)
	}
}

func slotStates(e *Engine) []slots.State {
	var out []slots.State
	for _, s := range e.Slots() {
		out = append(out, s.State)
	}
	return out
}

func TestCompletionResolvesOnlyBoundCommand(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))

	x := submit(t, e, "zoom_tele")
	y := submit(t, e, "zoom_wide")
	deliver(t, e, fakecam.Ack(1), fakecam.Ack(2), fakecam.Completion(1))

	res := waitResult(t, x)
	if res.Err != nil || res.Outcome != OutcomeCompletion || res.Slot != 1 {
		t.Fatalf("unexpected result for x: %+v", res)
	}
	assertUnresolved(t, y)

	deliver(t, e, fakecam.Completion(1))
	assertUnresolved(t, y)
	states := slotStates(e)
	if states[0] != slots.Free || states[1] != slots.Executing {
		t.Fatalf("unexpected slot states: %v", states)
	}

	deliver(t, e, fakecam.Completion(2))
	if res := waitResult(t, y); res.Err != nil || res.Slot != 2 {
		t.Fatalf("unexpected result for y: %+v", res)
	}
}

func TestFailFastRejectsThirdCommandUntilSlotFrees(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	ff := WithBackpressure(BackpressureFailFast)

	a := submit(t, e, "pan_tilt_up", ff)
	submit(t, e, "pan_tilt_left", ff)
	if _, err := e.Submit(context.Background(), "pan_tilt_right", nil, ff); !errors.Is(err, ErrNoSlotAvailable) {
		t.Fatalf("expected ErrNoSlotAvailable, got %v", err)
	}
	if states := slotStates(e); states[0] == slots.Free || states[1] == slots.Free {
		t.Fatalf("expected both sockets occupied, got %v", states)
	}
	if cam.SentCount() != 2 {
		t.Fatalf("rejected command must not be sent, sent=%d", cam.SentCount())
	}

	deliver(t, e, fakecam.Ack(1), fakecam.Completion(1))
	waitResult(t, a)
	c := submit(t, e, "pan_tilt_right", ff)
	e.mu.Lock()
	slot := c.slot
	e.mu.Unlock()
	if slot != 1 {
		t.Fatalf("expected third command on socket 1, got %d", slot)
	}
}

func TestOutOfRangeIsNeverTransmitted(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	_, err := e.PerformCommand(context.Background(), "pan_tilt_drive", catalog.Args{
		"pan_speed": 0x19, "tilt_speed": 0x01, "pan_dir": 0x01, "tilt_dir": 0x03,
	})
	if !errors.Is(err, catalog.ErrParameterOutOfRange) {
		t.Fatalf("expected ErrParameterOutOfRange, got %v", err)
	}
	if _, err := e.Submit(context.Background(), "no_such_op", nil); !errors.Is(err, catalog.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if cam.SentCount() != 0 {
		t.Fatalf("expected no transmissions, got %d", cam.SentCount())
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("expected no pending requests, got %+v", e.Pending())
	}
}

func TestTimeoutRetriesOnceThenFails(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.CommandTimeout = 30 * time.Millisecond
	cfg.Retries = 1
	e, cam := newTestEngine(t, cfg)

	res, err := e.PerformCommand(context.Background(), "zoom_stop", nil)
	if !errors.Is(err, ErrTimeoutFinal) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeoutFinal, got %v", err)
	}
	if res.Outcome != OutcomeTimeout || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	sent := cam.Sent()
	if len(sent) != 2 || !bytes.Equal(sent[0], sent[1]) {
		t.Fatalf("expected two identical transmissions, got % X", sent)
	}
	for _, s := range slotStates(e) {
		if s != slots.Free {
			t.Fatalf("timed out command leaked a socket: %v", slotStates(e))
		}
	}
}

func TestLateReplyAfterTimeoutIsStale(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.CommandTimeout = 30 * time.Millisecond
	cfg.Retries = 0
	e, _ := newTestEngine(t, cfg)

	if _, err := e.PerformCommand(context.Background(), "zoom_stop", nil); !errors.Is(err, ErrTimeoutFinal) {
		t.Fatalf("expected ErrTimeoutFinal, got %v", err)
	}
	next := submit(t, e, "zoom_tele", WithTimeout(2*time.Second))
	e.mu.Lock()
	slot := next.slot
	e.mu.Unlock()
	if slot != 2 {
		t.Fatalf("expected the socket released last to be avoided, got %d", slot)
	}
	deliver(t, e, fakecam.Completion(1))
	assertUnresolved(t, next)
}

func TestBufferFullResolvesMostRecentAndThrottles(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))

	first := submit(t, e, "focus_far")
	second := submit(t, e, "focus_near")
	deliver(t, e, fakecam.Error(0, 0x03))

	res := waitResult(t, second)
	if !errors.Is(res.Err, frame.ErrBufferFull) || res.Outcome != OutcomeCameraError {
		t.Fatalf("expected buffer full on the newest command, got %+v", res)
	}
	assertUnresolved(t, first)

	e.mu.Lock()
	limit := e.tracker.Limit()
	e.mu.Unlock()
	if limit != 1 {
		t.Fatalf("expected throttle to 1 socket, got %d", limit)
	}
	if _, err := e.Submit(context.Background(), "focus_stop", nil, WithBackpressure(BackpressureFailFast)); !errors.Is(err, ErrNoSlotAvailable) {
		t.Fatalf("expected throttled admission to fail fast, got %v", err)
	}

	deliver(t, e, fakecam.Ack(1), fakecam.Completion(1))
	waitResult(t, first)
	e.mu.Lock()
	limit = e.tracker.Limit()
	e.mu.Unlock()
	if limit != 2 {
		t.Fatalf("expected throttle lifted after completion, got %d", limit)
	}
}

func TestAckOnFreeSocketRebinds(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))

	p := submit(t, e, "focus_auto")
	deliver(t, e, fakecam.Ack(2))
	states := slotStates(e)
	if states[0] != slots.Free || states[1] != slots.Executing {
		t.Fatalf("expected command moved to socket 2, got %v", states)
	}
	deliver(t, e, fakecam.Completion(2))
	if res := waitResult(t, p); res.Err != nil || res.Slot != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAckBindsOldestUnackedCommand(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))

	a := submit(t, e, "zoom_tele")
	deliver(t, e, fakecam.Ack(1), fakecam.Completion(1))
	waitResult(t, a)

	b := submit(t, e, "zoom_wide")
	c := submit(t, e, "zoom_stop")
	e.mu.Lock()
	reserved := []int{b.slot, c.slot}
	e.mu.Unlock()
	if reserved[0] != 2 || reserved[1] != 1 {
		t.Fatalf("expected reservations b=2 c=1, got %v", reserved)
	}

	// The camera runs b on its lowest free socket and c on the next.
	deliver(t, e, fakecam.Ack(1), fakecam.Ack(2), fakecam.Completion(1))
	if res := waitResult(t, b); res.Err != nil || res.Slot != 1 {
		t.Fatalf("unexpected result for b: %+v", res)
	}
	assertUnresolved(t, c)
	if states := slotStates(e); states[0] != slots.Free || states[1] != slots.Executing {
		t.Fatalf("unexpected slot states: %v", states)
	}

	deliver(t, e, fakecam.Completion(2))
	if res := waitResult(t, c); res.Err != nil || res.Slot != 2 {
		t.Fatalf("unexpected result for c: %+v", res)
	}
}

func TestLowestFreeCameraCompletesEachCommandOnce(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Slots = 3
	e, cam := newTestEngine(t, cfg)
	model := fakecam.NewLowestFree(cam, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx, cam) }()

	warm := submit(t, e, "zoom_tele")
	model.Complete(1)
	waitResult(t, warm)

	cmds := []*Pending{
		submit(t, e, "pan_tilt_up"),
		submit(t, e, "zoom_wide"),
		submit(t, e, "focus_far"),
	}
	// Camera sockets follow send order: 1, 2, 3.
	finished := map[int]bool{}
	for _, slot := range []int{2, 1, 3} {
		p := cmds[slot-1]
		model.Complete(slot)
		res := waitResult(t, p)
		if res.Err != nil || res.Outcome != OutcomeCompletion || res.Slot != slot {
			t.Fatalf("%s: expected completion on socket %d, got %+v", p.Op, slot, res)
		}
		finished[slot] = true
		for i, other := range cmds {
			if !finished[i+1] {
				assertUnresolved(t, other)
			}
		}
	}
	for _, s := range slotStates(e) {
		if s != slots.Free {
			t.Fatalf("expected every socket free, got %v", slotStates(e))
		}
	}
}

func TestNotExecutableBeforeAck(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))

	p := submit(t, e, "focus_one_push")
	deliver(t, e, fakecam.Error(2, 0x41))
	if res := waitResult(t, p); !errors.Is(res.Err, frame.ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %+v", res)
	}

	q := submit(t, e, "focus_infinity")
	deliver(t, e, fakecam.Error(1, 0x04))
	assertUnresolved(t, q)
}

func TestCompletionWithoutAckIsAccepted(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))
	p := submit(t, e, "pan_tilt_home")
	deliver(t, e, fakecam.Completion(1))
	if res := waitResult(t, p); res.Err != nil || res.Outcome != OutcomeCompletion {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClockStampsRequestsAndSockets(t *testing.T) {
	testlog.Start(t)
	start := time.Unix(1_700_000_000, 0)
	clock := &stepClock{now: start}
	cam := fakecam.New()
	e, err := NewEngine(testConfig(t), cam, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	p := submit(t, e, "zoom_tele")
	if !p.IssuedAt.Equal(start) {
		t.Fatalf("issued at %v, want %v", p.IssuedAt, start)
	}
	clock.Advance(250 * time.Millisecond)
	deliver(t, e, fakecam.Ack(1), fakecam.Completion(1))
	if res := waitResult(t, p); res.Duration != 250*time.Millisecond {
		t.Fatalf("duration %v, want 250ms", res.Duration)
	}
	if s := e.Slots()[0]; !s.ReleasedAt.Equal(start.Add(250 * time.Millisecond)) {
		t.Fatalf("socket released at %v", s.ReleasedAt)
	}
}

func TestRetryBackoffJitter(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Backoff = BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	cam := fakecam.New()
	e, err := NewEngine(cfg, cam, WithRand(rand.New(rand.NewSource(42))))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	seen := map[time.Duration]bool{}
	for i := 0; i < 8; i++ {
		d := e.backoffDelay(1)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Fatalf("jitter produced a constant delay: %v", seen)
	}
}

func TestCancelFreesSocketAndSendsCancel(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.SendCancel = true
	e, cam := newTestEngine(t, cfg)

	p := submit(t, e, "pan_tilt_down")
	deliver(t, e, fakecam.Ack(1))
	if !p.Cancel() {
		t.Fatalf("expected cancel to resolve the command")
	}
	if p.Cancel() {
		t.Fatalf("second cancel must be a no-op")
	}
	res := waitResult(t, p)
	if !errors.Is(res.Err, ErrCanceledLocally) || res.Outcome != OutcomeCanceled {
		t.Fatalf("unexpected result: %+v", res)
	}
	sent := cam.Sent()
	if len(sent) != 2 || !bytes.Equal(sent[1], []byte{0x81, 0x21, 0xFF}) {
		t.Fatalf("expected socket cancel frame, got % X", sent)
	}
	if states := slotStates(e); states[0] != slots.Free {
		t.Fatalf("expected socket 1 free, got %v", states)
	}
	deliver(t, e, fakecam.Error(1, 0x04))
}

func TestWaitContextCancelsCommand(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.PerformCommand(ctx, "zoom_wide", nil)
	if !errors.Is(err, ErrCanceledLocally) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected local cancel, got %v", err)
	}
	if cam.SentCount() != 1 {
		t.Fatalf("send_cancel is off, expected one frame, got %d", cam.SentCount())
	}
}

func TestBlockingAcquireWaitsForFreedSocket(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	a := submit(t, e, "zoom_tele")
	submit(t, e, "zoom_wide")

	got := make(chan *Pending, 1)
	errs := make(chan error, 1)
	go func() {
		p, err := e.Submit(context.Background(), "zoom_stop", nil)
		if err != nil {
			errs <- err
			return
		}
		got <- p
	}()

	deliver(t, e, fakecam.Ack(1), fakecam.Completion(1))
	waitResult(t, a)
	select {
	case p := <-got:
		if p.Op != "zoom_stop" {
			t.Fatalf("unexpected op %s", p.Op)
		}
	case err := <-errs:
		t.Fatalf("blocked submit failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("blocked submit never admitted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cam.WaitSent(ctx, 3); err != nil {
		t.Fatalf("third frame not sent: %v", err)
	}
}

func TestBlockingAcquireTimesOut(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.AcquireTimeout = 30 * time.Millisecond
	e, _ := newTestEngine(t, cfg)
	submit(t, e, "zoom_tele")
	submit(t, e, "zoom_wide")
	if _, err := e.Submit(context.Background(), "zoom_stop", nil); !errors.Is(err, ErrNoSlotAvailable) {
		t.Fatalf("expected ErrNoSlotAvailable, got %v", err)
	}
}

func TestTransportFailureResolves(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	cam.FailSends(errors.New("link down"))
	if _, err := e.Submit(context.Background(), "zoom_tele", nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	for _, s := range slotStates(e) {
		if s != slots.Free {
			t.Fatalf("failed send leaked a socket")
		}
	}
}

func TestDeliverSplitsAndReportsMalformed(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))
	p := submit(t, e, "focus_manual")

	buf := append(fakecam.Ack(1), fakecam.Completion(1)...)
	deliver(t, e, buf)
	if res := waitResult(t, p); res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := e.Deliver([]byte{0x90, 0x41}); !errors.Is(err, frame.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if err := e.Deliver([]byte{0x80, 0x41, 0xFF}); !errors.Is(err, frame.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestRunAgainstSocketCamera(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	cam.Respond(fakecam.Sockets(2, []byte{0x01, 0x02, 0x03, 0x04}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, cam) }()

	for i := 0; i < 5; i++ {
		res, err := e.PerformCommand(context.Background(), "zoom_direct", catalog.Args{"position": 0x1000 + i})
		if err != nil || res.Outcome != OutcomeCompletion {
			t.Fatalf("command %d: res=%+v err=%v", i, res, err)
		}
	}
	v, err := e.PerformInquiry(context.Background(), "zoom_position")
	if err != nil {
		t.Fatalf("inquiry: %v", err)
	}
	if pos, _ := v.Int("position"); pos != 0x1234 {
		t.Fatalf("unexpected position %d", pos)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from Run, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestResetClearsLocalState(t *testing.T) {
	testlog.Start(t)
	e, cam := newTestEngine(t, testConfig(t))
	clear := []byte{0x81, 0x01, 0x00, 0x01, 0xFF}
	cam.Respond(func(sent []byte) [][]byte {
		if bytes.Equal(sent, clear) {
			return [][]byte{fakecam.Completion(0)}
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx, cam) }()

	p := submit(t, e, "pan_tilt_left")
	if err := e.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res := waitResult(t, p); !errors.Is(res.Err, ErrCanceledLocally) {
		t.Fatalf("expected pending command canceled by reset, got %+v", res)
	}
	for _, s := range slotStates(e) {
		if s != slots.Free {
			t.Fatalf("reset left a busy socket")
		}
	}
	sent := cam.Sent()
	if !bytes.Equal(sent[len(sent)-1], clear) {
		t.Fatalf("expected interface clear frame, got % X", sent[len(sent)-1])
	}
}

func TestCloseResolvesPending(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))
	p := submit(t, e, "zoom_tele")
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if res := waitResult(t, p); !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %+v", res)
	}
	if _, err := e.Submit(context.Background(), "zoom_tele", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestPendingListsUnresolved(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(t))
	p := submit(t, e, "zoom_tele")
	list := e.Pending()
	if len(list) != 1 || list[0].ID != p.ID || list[0].Phase != "sent" || list[0].Slot != 1 {
		t.Fatalf("unexpected pending list: %+v", list)
	}
	deliver(t, e, fakecam.Ack(1))
	if list = e.Pending(); list[0].Phase != "acknowledged" {
		t.Fatalf("expected acknowledged, got %+v", list)
	}
}
