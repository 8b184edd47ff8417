// Package camera owns the set of configured cameras: one transport link,
// one session engine and one receive loop per camera.
package camera

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/session"
	"github.com/danmuck/viscactl/internal/protocol/slots"
	"github.com/danmuck/viscactl/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownCamera = errors.New("camera: unknown camera")
	ErrDuplicate     = errors.New("camera: duplicate name")
)

// Spec is everything needed to bring one camera online.
type Spec struct {
	Session   session.Config
	Transport transport.Options
}

// Dialer opens a transport link. transport.Open is the default.
type Dialer func(ctx context.Context, opts transport.Options) (transport.Conn, error)

type Option func(*Registry)

func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dial = d
		}
	}
}

func WithCatalog(c *catalog.Catalog) Option {
	return func(r *Registry) {
		if c != nil {
			r.catalog = c
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Camera is one live camera.
type Camera struct {
	Name      string
	Spec      Spec
	Engine    *session.Engine
	OpenedAt  time.Time
	conn      transport.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	errMu     sync.Mutex
	lastError error
}

// Info is the JSON view of a camera.
type Info struct {
	Name      string                `json:"name"`
	Transport string                `json:"transport"`
	Addr      string                `json:"addr"`
	Address   string                `json:"address"`
	OpenedAt  time.Time             `json:"opened_at"`
	Running   bool                  `json:"running"`
	LastError string                `json:"last_error,omitempty"`
	Slots     []slots.Slot          `json:"slots"`
	Pending   []session.PendingInfo `json:"pending"`
}

func (c *Camera) Info() Info {
	info := Info{
		Name:      c.Name,
		Transport: string(c.Spec.Transport.Kind),
		Addr:      c.Spec.Transport.Addr,
		Address:   fmt.Sprintf("0x%02X", c.Engine.Config().Address),
		OpenedAt:  c.OpenedAt,
		Slots:     c.Engine.Slots(),
		Pending:   c.Engine.Pending(),
	}
	select {
	case <-c.done:
	default:
		info.Running = true
	}
	if err := c.LastError(); err != nil {
		info.LastError = err.Error()
	}
	return info
}

func (c *Camera) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

func (c *Camera) setLastError(err error) {
	c.errMu.Lock()
	c.lastError = err
	c.errMu.Unlock()
}

// Registry maps camera names to live cameras.
type Registry struct {
	dial    Dialer
	catalog *catalog.Catalog
	logger  zerolog.Logger

	mu   sync.RWMutex
	cams map[string]*Camera
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		dial:    transport.Open,
		catalog: catalog.Default(),
		logger:  logging.Component("camera"),
		cams:    make(map[string]*Camera),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Catalog() *catalog.Catalog { return r.catalog }

// Open dials the camera, starts its engine and receive loop, and registers
// it under its session name.
func (r *Registry) Open(ctx context.Context, spec Spec) (*Camera, error) {
	name := spec.Session.Name
	r.mu.RLock()
	_, exists := r.cams[name]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	conn, err := r.dial(ctx, spec.Transport)
	if err != nil {
		return nil, fmt.Errorf("camera %s: %w", name, err)
	}
	logger := r.logger.With().Str("camera", name).Logger()
	eng, err := session.NewEngine(spec.Session, conn,
		session.WithCatalog(r.catalog),
		session.WithLogger(logger),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("camera %s: %w", name, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	cam := &Camera{
		Name:     name,
		Spec:     spec,
		Engine:   eng,
		OpenedAt: time.Now(),
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.cams[name]; exists {
		r.mu.Unlock()
		cancel()
		_ = eng.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.cams[name] = cam
	r.mu.Unlock()

	go r.receiveLoop(runCtx, cam, logger)
	logger.Info().
		Str("transport", string(spec.Transport.Kind)).
		Str("addr", spec.Transport.Addr).
		Int("slots", eng.Config().Slots).
		Msg("camera online")
	return cam, nil
}

// receiveLoop restarts the engine's receive loop after transient link
// errors with the engine's backoff. A closed link is terminal: the loop
// records the error, fails pending requests and exits.
func (r *Registry) receiveLoop(ctx context.Context, cam *Camera, logger zerolog.Logger) {
	defer close(cam.done)
	backoff := cam.Engine.Config().Backoff
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		err := cam.Engine.Run(ctx, cam.conn)
		if ctx.Err() != nil || errors.Is(err, session.ErrClosed) {
			return
		}
		if errors.Is(err, transport.ErrClosed) {
			cam.setLastError(err)
			logger.Error().Err(err).Msg("camera link lost")
			_ = cam.Engine.Close()
			_ = cam.conn.Close()
			return
		}
		failures++
		cam.setLastError(err)
		delay := session.NextBackoffDelay(backoff, failures, rng)
		logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("receive loop stopped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (r *Registry) Get(name string) (*Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.cams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, name)
	}
	return cam, nil
}

// List returns camera views sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	cams := make([]*Camera, 0, len(r.cams))
	for _, c := range r.cams {
		cams = append(cams, c)
	}
	r.mu.RUnlock()
	sort.Slice(cams, func(i, j int) bool { return cams[i].Name < cams[j].Name })
	out := make([]Info, 0, len(cams))
	for _, c := range cams {
		out = append(out, c.Info())
	}
	return out
}

// Remove stops one camera and releases its link.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	cam, ok := r.cams[name]
	delete(r.cams, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, name)
	}
	return cam.shutdown()
}

func (r *Registry) Close() error {
	r.mu.Lock()
	cams := r.cams
	r.cams = make(map[string]*Camera)
	r.mu.Unlock()
	var errs []error
	for _, cam := range cams {
		errs = append(errs, cam.shutdown())
	}
	return errors.Join(errs...)
}

func (c *Camera) shutdown() error {
	c.cancel()
	engErr := c.Engine.Close()
	connErr := c.conn.Close()
	<-c.done
	return errors.Join(engErr, connErr)
}
