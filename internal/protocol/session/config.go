package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/frame"
	"github.com/danmuck/viscactl/internal/protocol/slots"
)

// Backpressure selects what a request does when no socket (or, for
// inquiries, the inquiry gate) is free.
type Backpressure string

const (
	BackpressureBlock    Backpressure = "block"
	BackpressureFailFast Backpressure = "fail_fast"
)

func ParseBackpressure(raw string) (Backpressure, error) {
	switch Backpressure(strings.ToLower(strings.TrimSpace(raw))) {
	case "", BackpressureBlock:
		return BackpressureBlock, nil
	case BackpressureFailFast, "fail-fast", "failfast":
		return BackpressureFailFast, nil
	default:
		return "", fmt.Errorf("%w: backpressure %q", ErrInvalidConfig, raw)
	}
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-camera engine behavior.
type Config struct {
	Name                string
	Address             byte
	Slots               int
	CommandTimeout      time.Duration
	InquiryTimeout      time.Duration
	AcquireTimeout      time.Duration
	Retries             int
	Backpressure        Backpressure
	InquiryBackpressure Backpressure
	SendCancel          bool
	Backoff             BackoffConfig
}

// DefaultConfig returns defaults for a two-socket VISCA camera.
func DefaultConfig() Config {
	return Config{
		Name:                "camera",
		Address:             frame.DefaultAddress,
		Slots:               2,
		CommandTimeout:      500 * time.Millisecond,
		InquiryTimeout:      200 * time.Millisecond,
		AcquireTimeout:      2 * time.Second,
		Retries:             1,
		Backpressure:        BackpressureBlock,
		InquiryBackpressure: BackpressureFailFast,
		Backoff: BackoffConfig{
			InitialDelay: 25 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     200 * time.Millisecond,
			Jitter:       false,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. Retries is left alone
// since zero retries is a valid setting.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.Address == 0 {
		c.Address = def.Address
	}
	if c.Slots == 0 {
		c.Slots = def.Slots
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.InquiryTimeout == 0 {
		c.InquiryTimeout = def.InquiryTimeout
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.Backpressure == "" {
		c.Backpressure = def.Backpressure
	}
	if c.InquiryBackpressure == "" {
		c.InquiryBackpressure = def.InquiryBackpressure
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.Address < frame.DefaultAddress || c.Address > frame.BroadcastAddress {
		return fmt.Errorf("%w: address 0x%02X outside 0x81..0x88", ErrInvalidConfig, c.Address)
	}
	if c.Slots < 1 || c.Slots > slots.MaxCount {
		return fmt.Errorf("%w: slots %d outside 1..%d", ErrInvalidConfig, c.Slots, slots.MaxCount)
	}
	if c.CommandTimeout <= 0 || c.InquiryTimeout <= 0 || c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries %d", ErrInvalidConfig, c.Retries)
	}
	for _, bp := range []Backpressure{c.Backpressure, c.InquiryBackpressure} {
		if bp != BackpressureBlock && bp != BackpressureFailFast {
			return fmt.Errorf("%w: backpressure %q", ErrInvalidConfig, bp)
		}
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: negative backoff", ErrInvalidConfig)
	}
	return nil
}
