package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig   = errors.New("session: invalid config")
	ErrNoSlotAvailable = errors.New("session: no command socket available")
	ErrInquiryBusy     = errors.New("session: inquiry already in flight")
	ErrTimeout         = errors.New("session: timed out waiting for reply")
	ErrCanceledLocally = errors.New("session: canceled locally")
	ErrTransport       = errors.New("session: transport failure")
	ErrClosed          = errors.New("session: engine closed")
)

// ErrTimeoutFinal is returned once retries are exhausted. It also matches
// ErrTimeout.
var ErrTimeoutFinal = fmt.Errorf("%w (retries exhausted)", ErrTimeout)
