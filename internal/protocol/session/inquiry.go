package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/frame"
)

// PerformInquiry reads a value from the camera. Inquiries take no socket:
// one is in flight at a time and it resolves on a single data reply or
// error. Inquiries are not retried.
func (e *Engine) PerformInquiry(ctx context.Context, name string, opts ...CallOption) (catalog.Value, error) {
	payload, op, err := e.catalog.Build(catalog.ClassInquiry, name, nil)
	if err != nil {
		return catalog.Value{}, err
	}
	b, err := frame.Encode(payload, e.cfg.Address)
	if err != nil {
		return catalog.Value{}, err
	}
	res, err := e.request(ctx, op.Name, catalog.ClassInquiry, b, e.inquiryOptions(opts))
	if err != nil {
		return catalog.Value{}, err
	}
	v, err := op.Decode(res.Reply.Data)
	if err != nil {
		return catalog.Value{}, err
	}
	return v, nil
}

func (e *Engine) inquiryOptions(opts []CallOption) callOptions {
	co := callOptions{
		timeout:        e.cfg.InquiryTimeout,
		backpressure:   e.cfg.InquiryBackpressure,
		acquireTimeout: e.cfg.AcquireTimeout,
	}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// request runs one slotless exchange: inquiries and interface clear.
func (e *Engine) request(ctx context.Context, name string, class catalog.Class, b []byte, co callOptions) (Result, error) {
	release, err := e.enterGate(ctx, co)
	if err != nil {
		return Result{Op: name, Outcome: outcomeFor(err), Err: err}, err
	}
	defer release()

	p := e.newPending(name, class, b, true)
	if err := e.transmit(ctx, p); err != nil {
		return p.result, err
	}

	timer := time.NewTimer(co.timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		e.mu.Lock()
		e.resolveLocked(p, Result{
			Outcome: OutcomeTimeout,
			Err:     fmt.Errorf("%w: %s after %s", ErrTimeoutFinal, name, co.timeout),
		})
		e.mu.Unlock()
	case <-ctx.Done():
		e.cancel(p, ctx.Err())
	case <-e.ctx.Done():
	}
	<-p.done
	return p.result, p.result.Err
}

func (e *Engine) enterGate(ctx context.Context, co callOptions) (func(), error) {
	release := func() { <-e.inquiryGate }
	select {
	case e.inquiryGate <- struct{}{}:
		return release, nil
	default:
	}
	if co.backpressure == BackpressureFailFast {
		return nil, ErrInquiryBusy
	}
	timer := time.NewTimer(co.acquireTimeout)
	defer timer.Stop()
	select {
	case e.inquiryGate <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: waited %s", ErrInquiryBusy, co.acquireTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrInquiryBusy, ctx.Err())
	case <-e.ctx.Done():
		return nil, ErrClosed
	}
}
