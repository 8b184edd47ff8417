package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/observability"
	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/protocol/slots"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport sends complete frames. Implementations serialize nothing; the
// engine never calls Send concurrently.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Receiver yields inbound buffers holding one or more reply frames.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// sequenceResetter is implemented by transports that keep a VISCA-over-IP
// sequence counter.
type sequenceResetter interface {
	ResetSequence(ctx context.Context) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRand seeds retry jitter.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// CallOption overrides engine defaults for one request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout        time.Duration
	retries        int
	backpressure   Backpressure
	acquireTimeout time.Duration
}

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.retries = n
		}
	}
}

func WithBackpressure(bp Backpressure) CallOption {
	return func(o *callOptions) {
		if bp == BackpressureBlock || bp == BackpressureFailFast {
			o.backpressure = bp
		}
	}
}

// Engine runs requests against one camera. One mutex guards the socket
// tracker, the matcher and every pending request; a second serializes
// transport writes. Lock order is writeMu then mu.
type Engine struct {
	cfg     Config
	tx      Transport
	catalog *catalog.Catalog
	logger  zerolog.Logger
	now     func() time.Time

	ctx  context.Context
	stop context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	tracker *slots.Tracker
	match   *matcher
	pending map[string]*Pending
	freed   chan struct{}
	closed  bool
	rng     *rand.Rand

	inquiryGate chan struct{}
}

func NewEngine(cfg Config, tx Transport, opts ...Option) (*Engine, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tracker, err := slots.NewTracker(cfg.Slots)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		tx:          tx,
		catalog:     catalog.Default(),
		now:         time.Now,
		ctx:         ctx,
		stop:        stop,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		tracker:     tracker,
		match:       newMatcher(),
		pending:     make(map[string]*Pending),
		freed:       make(chan struct{}),
		inquiryGate: make(chan struct{}, 1),
	}
	e.logger = logging.Component("session").With().Str("camera", cfg.Name).Logger()
	for _, opt := range opts {
		opt(e)
	}
	observability.SetSlotsInUse(cfg.Name, 0)
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Submit encodes a catalog command, binds it to a socket and sends it.
// Encoding and admission errors return synchronously; everything after the
// first send resolves through the returned Pending.
func (e *Engine) Submit(ctx context.Context, name string, args catalog.Args, opts ...CallOption) (*Pending, error) {
	payload, op, err := e.catalog.Build(catalog.ClassCommand, name, args)
	if err != nil {
		return nil, err
	}
	b, err := frame.Encode(payload, e.cfg.Address)
	if err != nil {
		return nil, err
	}
	co := e.commandOptions(opts)

	p := e.newPending(op.Name, catalog.ClassCommand, b, false)
	if err := e.acquire(ctx, p, co); err != nil {
		e.mu.Lock()
		e.resolveLocked(p, Result{Outcome: outcomeFor(err), Err: err})
		e.mu.Unlock()
		return nil, err
	}
	if err := e.transmit(ctx, p); err != nil {
		return nil, err
	}
	go e.drive(p, co)
	return p, nil
}

// PerformCommand submits a command and waits for its terminal result.
func (e *Engine) PerformCommand(ctx context.Context, name string, args catalog.Args, opts ...CallOption) (Result, error) {
	p, err := e.Submit(ctx, name, args, opts...)
	if err != nil {
		return Result{Op: name, Err: err}, err
	}
	return p.Wait(ctx)
}

// Deliver feeds inbound bytes to the matcher. A buffer may hold several
// frames; malformed frames are skipped and reported.
func (e *Engine) Deliver(buf []byte) error {
	frames, splitErr := frame.Split(buf)
	var errs []error
	for _, raw := range frames {
		r, err := frame.Decode(raw)
		if err != nil {
			observability.RecordAnomaly(e.cfg.Name, "malformed_frame")
			e.logger.Debug().Err(err).Str("raw", fmt.Sprintf("% X", raw)).Msg("malformed reply")
			errs = append(errs, err)
			continue
		}
		e.handle(r)
	}
	if splitErr != nil {
		observability.RecordAnomaly(e.cfg.Name, "truncated_frame")
		errs = append(errs, splitErr)
	}
	return errors.Join(errs...)
}

// Run delivers everything rx yields until ctx ends, the engine closes, or
// rx fails.
func (e *Engine) Run(ctx context.Context, rx Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	for {
		buf, err := rx.Receive(ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: receive: %w", ErrTransport, err)
		}
		if err := e.Deliver(buf); err != nil {
			e.logger.Warn().Err(err).Msg("discarded inbound bytes")
		}
	}
}

// Slots returns a snapshot of the socket table.
func (e *Engine) Slots() []slots.Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Snapshot()
}

// Pending lists unresolved requests ordered by issue time.
func (e *Engine) Pending() []PendingInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingInfo, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset drops local socket state, resets the transport sequence when it
// has one, and sends interface clear.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	for _, p := range e.pending {
		if p.slotless {
			continue
		}
		e.resolveLocked(p, Result{
			Outcome: OutcomeCanceled,
			Err:     fmt.Errorf("%w: interface cleared", ErrCanceledLocally),
		})
	}
	e.tracker.Reset(e.now())
	e.signalFreedLocked()
	observability.SetSlotsInUse(e.cfg.Name, 0)
	e.mu.Unlock()

	if r, ok := e.tx.(sequenceResetter); ok {
		if err := r.ResetSequence(ctx); err != nil {
			return fmt.Errorf("%w: reset sequence: %v", ErrTransport, err)
		}
	}

	payload, op, err := e.catalog.Build(catalog.ClassCommand, "if_clear", nil)
	if err != nil {
		return err
	}
	b, err := frame.Encode(payload, e.cfg.Address)
	if err != nil {
		return err
	}
	co := e.inquiryOptions(nil)
	co.backpressure = BackpressureBlock
	_, err = e.request(ctx, op.Name, catalog.ClassCommand, b, co)
	if err == nil {
		e.logger.Info().Msg("interface cleared")
	}
	return err
}

// Close resolves every pending request with ErrClosed. It does not close
// the transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.stop()
	for _, p := range e.pending {
		e.resolveLocked(p, Result{Outcome: OutcomeClosed, Err: ErrClosed})
	}
	e.signalFreedLocked()
	return nil
}

func (e *Engine) commandOptions(opts []CallOption) callOptions {
	co := callOptions{
		timeout:        e.cfg.CommandTimeout,
		retries:        e.cfg.Retries,
		backpressure:   e.cfg.Backpressure,
		acquireTimeout: e.cfg.AcquireTimeout,
	}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

func (e *Engine) newPending(op string, class catalog.Class, b []byte, slotless bool) *Pending {
	p := &Pending{
		ID:       uuid.NewString(),
		Op:       op,
		Class:    class,
		Frame:    b,
		IssuedAt: e.now(),
		engine:   e,
		done:     make(chan struct{}),
		slotless: slotless,
	}
	e.mu.Lock()
	e.pending[p.ID] = p
	e.mu.Unlock()
	return p
}

// acquire binds p to a socket, waiting under BackpressureBlock until one
// frees, AcquireTimeout passes, or ctx ends.
func (e *Engine) acquire(ctx context.Context, p *Pending, co callOptions) error {
	var expired <-chan time.Time
	if co.backpressure == BackpressureBlock {
		timer := time.NewTimer(co.acquireTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		if p.phase == PhaseResolved {
			err := p.result.Err
			e.mu.Unlock()
			return err
		}
		id, err := e.tracker.Acquire(p.ID, e.now())
		if err == nil {
			p.slot = id
			p.lastSlot = id
			p.phase = PhaseSlotAcquired
			e.match.bind(id, p)
			observability.SetSlotsInUse(e.cfg.Name, e.tracker.InUse())
			e.mu.Unlock()
			return nil
		}
		if !errors.Is(err, slots.ErrBusy) {
			e.mu.Unlock()
			return err
		}
		busy, limit := e.tracker.InUse(), e.tracker.Limit()
		wake := e.freed
		e.mu.Unlock()

		if co.backpressure == BackpressureFailFast {
			return fmt.Errorf("%w: %d of %d sockets busy", ErrNoSlotAvailable, busy, limit)
		}
		select {
		case <-wake:
		case <-expired:
			return fmt.Errorf("%w: waited %s", ErrNoSlotAvailable, co.acquireTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNoSlotAvailable, ctx.Err())
		case <-e.ctx.Done():
			return ErrClosed
		}
	}
}

// transmit records p as the newest sent request and writes its frame.
// A write failure resolves p.
func (e *Engine) transmit(ctx context.Context, p *Pending) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.resolveLocked(p, Result{Outcome: OutcomeClosed, Err: ErrClosed})
	}
	if p.phase == PhaseResolved {
		err := p.result.Err
		e.mu.Unlock()
		return err
	}
	p.phase = PhaseSent
	p.attempts++
	p.sentAt = e.now()
	e.match.track(p)
	attempt, slot := p.attempts, p.slot
	e.mu.Unlock()

	e.logger.Debug().
		Str("op", p.Op).
		Str("command_id", p.ID).
		Int("slot", slot).
		Int("attempt", attempt).
		Str("frame", fmt.Sprintf("% X", p.Frame)).
		Msg("send")
	if err := e.tx.Send(ctx, p.Frame); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		e.mu.Lock()
		e.resolveLocked(p, Result{Outcome: OutcomeTransport, Err: err})
		e.mu.Unlock()
		return err
	}
	return nil
}

// drive owns the timeout and retry loop of one command.
func (e *Engine) drive(p *Pending, co callOptions) {
	for {
		e.mu.Lock()
		wait := co.timeout - e.now().Sub(p.sentAt)
		e.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.mu.Lock()
		if p.phase == PhaseResolved {
			e.mu.Unlock()
			return
		}
		attempts := p.attempts
		if attempts > co.retries {
			e.resolveLocked(p, Result{
				Outcome: OutcomeTimeout,
				Err:     fmt.Errorf("%w: %s after %d attempts", ErrTimeoutFinal, p.Op, attempts),
			})
			e.mu.Unlock()
			return
		}
		slot := p.slot
		e.detachLocked(p)
		p.phase = PhaseCreated
		e.mu.Unlock()

		e.logger.Debug().
			Err(ErrTimeout).
			Str("op", p.Op).
			Str("command_id", p.ID).
			Int("slot", slot).
			Int("attempt", attempts).
			Msg("attempt timed out, retrying")

		if delay := e.backoffDelay(attempts); delay > 0 {
			pause := time.NewTimer(delay)
			select {
			case <-p.done:
				pause.Stop()
				return
			case <-e.ctx.Done():
				pause.Stop()
				return
			case <-pause.C:
			}
		}
		if err := e.acquire(e.ctx, p, co); err != nil {
			e.mu.Lock()
			e.resolveLocked(p, Result{Outcome: outcomeFor(err), Err: err})
			e.mu.Unlock()
			return
		}
		observability.RecordRetransmission(e.cfg.Name, p.Op)
		if err := e.transmit(e.ctx, p); err != nil {
			return
		}
	}
}

func (e *Engine) backoffDelay(attempt int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return NextBackoffDelay(e.cfg.Backoff, attempt, e.rng)
}

// cancel resolves p as canceled. With SendCancel set and a socket in use on
// the camera side, the socket cancel frame is sent after the lock drops.
func (e *Engine) cancel(p *Pending, cause error) bool {
	e.mu.Lock()
	slot := p.slot
	onCamera := p.phase == PhaseSent || p.phase == PhaseAcknowledged
	err := ErrCanceledLocally
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCanceledLocally, cause)
	}
	ok := e.resolveLocked(p, Result{Outcome: OutcomeCanceled, Err: err})
	e.mu.Unlock()

	if ok && e.cfg.SendCancel && slot != 0 && onCamera {
		e.sendCancel(slot)
	}
	return ok
}

func (e *Engine) sendCancel(slot int) {
	b, err := frame.EncodeCancel(e.cfg.Address, slot)
	if err != nil {
		e.logger.Warn().Err(err).Int("slot", slot).Msg("cannot encode socket cancel")
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.tx.Send(e.ctx, b); err != nil {
		e.logger.Warn().Err(err).Int("slot", slot).Msg("socket cancel not sent")
	}
}

// handle applies one decoded reply.
func (e *Engine) handle(r frame.Reply) {
	observability.RecordReply(e.cfg.Name, r.Kind.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.match.route(r, e.tracker)
	p := m.pending
	switch m.action {
	case actionStale:
		observability.RecordStaleReply(e.cfg.Name, r.Kind.String())
		e.logger.Debug().
			Str("kind", r.Kind.String()).
			Int("slot", r.Slot).
			Str("raw", fmt.Sprintf("% X", r.Raw)).
			Msg("stale reply discarded")
	case actionDuplicateAck:
		observability.RecordAnomaly(e.cfg.Name, "duplicate_ack")
		e.logger.Debug().Str("command_id", p.ID).Int("slot", r.Slot).Msg("duplicate ack")
	case actionAck:
		if err := e.tracker.MarkExecuting(p.slot); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("ack transition rejected")
			return
		}
		p.phase = PhaseAcknowledged
	case actionRebind:
		from := p.slot
		if err := e.tracker.Rebind(from, r.Slot, e.now()); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("socket rebind rejected")
			return
		}
		e.match.rebind(from, r.Slot, p)
		p.slot = r.Slot
		p.lastSlot = r.Slot
		if err := e.tracker.MarkExecuting(r.Slot); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("ack transition rejected")
			return
		}
		p.phase = PhaseAcknowledged
		e.signalFreedLocked()
		e.logger.Debug().
			Str("command_id", p.ID).
			Int("reserved", from).
			Int("slot", r.Slot).
			Msg("camera acknowledged on another socket")
	case actionSwap:
		other := m.other
		from := p.slot
		if err := e.tracker.Swap(from, r.Slot); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("socket swap rejected")
			return
		}
		e.match.bind(r.Slot, p)
		e.match.bind(from, other)
		p.slot, p.lastSlot = r.Slot, r.Slot
		other.slot, other.lastSlot = from, from
		if err := e.tracker.MarkExecuting(r.Slot); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("ack transition rejected")
			return
		}
		p.phase = PhaseAcknowledged
		e.logger.Debug().
			Str("command_id", p.ID).
			Str("displaced", other.ID).
			Int("reserved", from).
			Int("slot", r.Slot).
			Msg("camera acknowledged on a socket reserved by a later command")
	case actionResolve:
		if r.Kind == frame.KindCompletion && !p.slotless && p.phase != PhaseAcknowledged {
			observability.RecordAnomaly(e.cfg.Name, "completion_without_ack")
			e.logger.Debug().Str("command_id", p.ID).Int("slot", r.Slot).Msg("completion without ack")
		}
		res := Result{Outcome: OutcomeCompletion, Reply: r}
		if err := r.Err(); err != nil {
			res.Outcome = OutcomeCameraError
			res.Err = err
		}
		e.resolveLocked(p, res)
		switch r.Kind {
		case frame.KindBufferFull:
			e.tracker.Throttle()
			e.logger.Warn().Int("limit", e.tracker.Limit()).Msg("camera buffer full, throttling sockets")
		case frame.KindCompletion, frame.KindData:
			if e.tracker.Restore() {
				e.signalFreedLocked()
				e.logger.Info().Int("limit", e.tracker.Limit()).Msg("socket throttle lifted")
			}
		}
	}
}

// resolveLocked records the terminal result once. It reports whether this
// call resolved p.
func (e *Engine) resolveLocked(p *Pending, res Result) bool {
	if p.phase == PhaseResolved {
		return false
	}
	e.detachLocked(p)
	p.phase = PhaseResolved
	res.CommandID = p.ID
	res.Op = p.Op
	res.Slot = p.lastSlot
	res.Attempts = p.attempts
	res.Duration = e.now().Sub(p.IssuedAt)
	p.result = res
	delete(e.pending, p.ID)
	close(p.done)

	observability.RecordCommand(e.cfg.Name, p.Op, res.Outcome.String(), res.Duration)
	event := e.logger.Debug()
	if res.Err != nil && res.Outcome != OutcomeCanceled {
		event = e.logger.Info().Err(res.Err)
	}
	event.
		Str("op", p.Op).
		Str("command_id", p.ID).
		Int("slot", res.Slot).
		Int("attempts", res.Attempts).
		Str("outcome", res.Outcome.String()).
		Dur("duration", res.Duration).
		Msg("resolved")
	return true
}

// detachLocked frees p's socket and drops it from the matcher so any later
// reply for it is stale.
func (e *Engine) detachLocked(p *Pending) {
	if p.slot != 0 {
		if _, err := e.tracker.Release(p.slot, e.now()); err != nil {
			e.logger.Warn().Err(err).Str("command_id", p.ID).Msg("socket release rejected")
		}
		e.match.unbind(p.slot)
		p.slot = 0
		e.signalFreedLocked()
		observability.SetSlotsInUse(e.cfg.Name, e.tracker.InUse())
	}
	e.match.forget(p)
}

func (e *Engine) signalFreedLocked() {
	close(e.freed)
	e.freed = make(chan struct{})
}

func outcomeFor(err error) Outcome {
	switch {
	case errors.Is(err, ErrNoSlotAvailable), errors.Is(err, ErrInquiryBusy):
		return OutcomeNoSlot
	case errors.Is(err, ErrClosed):
		return OutcomeClosed
	case errors.Is(err, ErrTransport):
		return OutcomeTransport
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeCanceled
	}
}
