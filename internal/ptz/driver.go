// Package ptz drives pan-tilt-zoom cameras: a vendor-neutral driver
// interface over ONVIF-normalized coordinates, a connection pool with
// per-camera motion locks, visual calibration, and bbox-to-pan/tilt
// targeting.
package ptz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// Position is a PTZ pose. All axes are ONVIF-normalized to [-1, 1].
type Position struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// Driver is the vendor boundary. Velocities and positions are
// ONVIF-normalized; implementations own transport and authentication.
type Driver interface {
	Move(ctx context.Context, panVelocity, tiltVelocity float64) error
	Stop(ctx context.Context) error
	AbsoluteMove(ctx context.Context, pos Position) error
	GetStatus(ctx context.Context) (Position, error)
}

// DialFunc opens a driver against one camera's ONVIF endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Driver, error)

// connTTL bounds how long an idle connection is reused before redialing;
// camera firmwares drop ONVIF sessions silently.
const connTTL = 5 * time.Minute

// Conn is a pooled driver plus the camera's motion lock. Everything that
// moves the camera must hold the lock for the whole motion sequence, not
// per call; centering loops depend on nobody else steering.
type Conn struct {
	Driver Driver
	Motion *sync.Mutex

	endpoint string
	expires  time.Time
}

// Pool caches one connection per camera endpoint with a fixed TTL.
type Pool struct {
	dial  DialFunc
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool creates a connection pool.
func NewPool(dial DialFunc, clock timeutil.Clock) *Pool {
	return &Pool{
		dial:  dial,
		clock: clock,
		logf:  monitoring.Component("PTZPool"),
		conns: make(map[string]*Conn),
	}
}

// Get returns the cached connection for the endpoint, redialing past the
// TTL. The motion lock survives redials so an in-flight motion sequence is
// never overlapped by a fresh connection.
func (p *Pool) Get(ctx context.Context, endpoint string) (*Conn, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("camera has no ONVIF endpoint: %w", fault.ErrBadInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if c, ok := p.conns[endpoint]; ok && now.Before(c.expires) {
		return c, nil
	}

	driver, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, fault.External("dial ptz "+endpoint, err)
	}
	motion := &sync.Mutex{}
	if old, ok := p.conns[endpoint]; ok {
		motion = old.Motion
		p.logf("redialed %s", endpoint)
	}
	c := &Conn{Driver: driver, Motion: motion, endpoint: endpoint, expires: now.Add(connTTL)}
	p.conns[endpoint] = c
	return c, nil
}

// Invalidate drops a cached connection after a transport error.
func (p *Pool) Invalidate(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, endpoint)
}
