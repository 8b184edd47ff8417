package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/viscactl/internal/protocol/session"
	"github.com/danmuck/viscactl/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidCamera = errors.New("config: invalid camera")

// Inventory is the camera list file.
type Inventory struct {
	Cameras []CameraConfig `toml:"cameras"`
}

// CameraConfig is one [[cameras]] entry. Durations are Go duration strings;
// empty fields take the session defaults.
type CameraConfig struct {
	Name                string `toml:"name"`
	Transport           string `toml:"transport"`
	Addr                string `toml:"addr"`
	Baud                int    `toml:"baud"`
	Address             int    `toml:"address"`
	Slots               int    `toml:"slots"`
	CommandTimeout      string `toml:"command_timeout"`
	InquiryTimeout      string `toml:"inquiry_timeout"`
	AcquireTimeout      string `toml:"acquire_timeout"`
	Retries             *int   `toml:"retries"`
	Backpressure        string `toml:"backpressure"`
	InquiryBackpressure string `toml:"inquiry_backpressure"`
	SendCancel          bool   `toml:"send_cancel"`
	RetryJitter         bool   `toml:"retry_jitter"`
}

func LoadCameras(path string) ([]CameraConfig, error) {
	var inv Inventory
	if err := loadToml(path, &inv); err != nil {
		return nil, err
	}
	if err := ValidateInventory(inv.Cameras); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return inv.Cameras, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateInventory(cams []CameraConfig) error {
	seen := make(map[string]struct{}, len(cams))
	for i, cam := range cams {
		if err := ValidateCamera(cam); err != nil {
			return fmt.Errorf("cameras[%d]: %w", i, err)
		}
		if _, dup := seen[cam.Name]; dup {
			return fmt.Errorf("cameras[%d]: %w: duplicate name %q", i, ErrInvalidCamera, cam.Name)
		}
		seen[cam.Name] = struct{}{}
	}
	return nil
}

func ValidateCamera(cfg CameraConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCamera)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidCamera)
	}
	if _, err := transport.ParseKind(cfg.Transport); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCamera, err)
	}
	if cfg.Baud < 0 {
		return fmt.Errorf("%w: baud %d", ErrInvalidCamera, cfg.Baud)
	}
	if _, err := cfg.SessionConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCamera, err)
	}
	return nil
}

// SessionConfig maps the entry onto engine settings with defaults applied.
func (c CameraConfig) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.Name = strings.TrimSpace(c.Name)
	switch {
	case c.Address == 0:
	case c.Address >= 1 && c.Address <= 8:
		// Camera number on the daisy chain.
		cfg.Address = byte(0x80 | c.Address)
	case c.Address > 0 && c.Address <= 0xFF:
		cfg.Address = byte(c.Address)
	default:
		return session.Config{}, fmt.Errorf("%w: address %d", session.ErrInvalidConfig, c.Address)
	}
	if c.Slots != 0 {
		cfg.Slots = c.Slots
	}
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"command_timeout", c.CommandTimeout, &cfg.CommandTimeout},
		{"inquiry_timeout", c.InquiryTimeout, &cfg.InquiryTimeout},
		{"acquire_timeout", c.AcquireTimeout, &cfg.AcquireTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return session.Config{}, fmt.Errorf("parse %s: %w", d.field, err)
		}
		*d.dst = v
	}
	if c.Retries != nil {
		cfg.Retries = *c.Retries
	}
	if c.Backpressure != "" {
		bp, err := session.ParseBackpressure(c.Backpressure)
		if err != nil {
			return session.Config{}, err
		}
		cfg.Backpressure = bp
	}
	if c.InquiryBackpressure != "" {
		bp, err := session.ParseBackpressure(c.InquiryBackpressure)
		if err != nil {
			return session.Config{}, err
		}
		cfg.InquiryBackpressure = bp
	}
	cfg.SendCancel = c.SendCancel
	cfg.Backoff.Jitter = c.RetryJitter
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

func (c CameraConfig) TransportOptions() (transport.Options, error) {
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{Kind: kind, Addr: strings.TrimSpace(c.Addr), Baud: c.Baud}, nil
}
