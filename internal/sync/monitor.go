package sync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/logger"
)

// Default monitor intervals.
const (
	DefaultProbeInterval   = 15 * time.Second
	DefaultRefreshInterval = 60 * time.Second
)

// Prober reports whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber probes by fetching the device config. Any HTTP response,
// including an error status, counts as reachable.
type HTTPProber struct {
	BaseURL  func() string
	DeviceID string
	Client   *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	hc := p.Client
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.BaseURL(), "/")+"/api/config", nil)
	if err != nil {
		return false
	}
	req.Header.Set(api.DeviceHeader, p.DeviceID)
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	ProbeInterval   time.Duration
	RefreshInterval time.Duration
	// OnTransition is called from the monitor loop after each connectivity change.
	OnTransition func(online bool)
}

// Monitor watches connectivity and drives the engine: on every
// offline-to-online transition it drains the queue and then refreshes,
// and while online it refreshes periodically. All work runs on the
// goroutine calling Run, so handlers never overlap.
type Monitor struct {
	engine *Engine
	prober Prober
	opts   MonitorOptions
	events chan bool
	log    *logger.Logger
}

// NewMonitor creates a monitor. prober may be nil, in which case only
// events passed to SetOnline change connectivity.
func NewMonitor(engine *Engine, prober Prober, opts MonitorOptions) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	return &Monitor{
		engine: engine,
		prober: prober,
		opts:   opts,
		events: make(chan bool, 16),
		log:    logger.Named("monitor"),
	}
}

// SetOnline reports a connectivity change observed elsewhere. It does not block.
func (m *Monitor) SetOnline(online bool) {
	select {
	case m.events <- online:
	default:
		m.log.Warn("Dropping connectivity event, loop is behind")
	}
}

// Run processes connectivity events until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	probe := time.NewTicker(m.opts.ProbeInterval)
	defer probe.Stop()
	refresh := time.NewTicker(m.opts.RefreshInterval)
	defer refresh.Stop()

	if m.prober != nil {
		m.handle(ctx, m.prober.Probe(ctx))
	} else if m.engine.Online() {
		m.catchUp(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-m.events:
			m.handle(ctx, online)
		case <-probe.C:
			if m.prober != nil {
				m.handle(ctx, m.prober.Probe(ctx))
			}
		case <-refresh.C:
			if m.engine.Online() {
				m.catchUp(ctx)
			}
		}
	}
}

func (m *Monitor) handle(ctx context.Context, online bool) {
	prev := m.engine.SetOnline(online)
	if prev == online {
		return
	}
	if online {
		m.log.Info("Back online")
	} else {
		m.log.Info("Went offline")
	}
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(online)
	}
	if online {
		m.catchUp(ctx)
	}
}

// catchUp drains the queue, then refreshes from the server.
func (m *Monitor) catchUp(ctx context.Context) {
	if _, err := m.engine.Drain(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrDrainInProgress) && !errors.Is(err, ErrOffline) {
		m.log.Warn("Drain failed: %v", err)
	}
	if err := m.engine.Refresh(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrStaleSnapshot) {
		m.log.Warn("Refresh failed: %v", err)
	}
}
