// Package heartbeat detects and evicts dead realtime connections.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/session"
)

// Options configures the monitor's cadence and timeout policy.
type Options struct {
	Registry      *session.Registry
	PingInterval  time.Duration
	SweepInterval time.Duration
	PongTimeout   time.Duration
	Logger        *logging.Logger
	Clock         func() time.Time
}

// Monitor runs two independent periodic tasks over the session registry: a
// ping tick that keepalives every live session and a sweep that evicts any
// session whose last pong is older than the timeout. The sweep is the only
// automatic eviction path for half-open connections.
type Monitor struct {
	registry  *session.Registry
	pingEvery time.Duration
	sweepEach time.Duration
	timeout   time.Duration
	log       *logging.Logger
	now       func() time.Time
	evictions atomic.Uint64
}

// NewMonitor constructs a monitor from the supplied options.
func NewMonitor(opts Options) *Monitor {
	pingEvery := opts.PingInterval
	if pingEvery <= 0 {
		pingEvery = 4 * time.Second
	}
	sweepEach := opts.SweepInterval
	if sweepEach <= 0 {
		sweepEach = 5 * time.Second
	}
	timeout := opts.PongTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		registry:  opts.Registry,
		pingEvery: pingEvery,
		sweepEach: sweepEach,
		timeout:   timeout,
		log:       logger,
		now:       clock,
	}
}

// Run drives both periodic tasks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil || ctx == nil {
		return
	}
	pingTicker := time.NewTicker(m.pingEvery)
	sweepTicker := time.NewTicker(m.sweepEach)
	defer pingTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			m.PingAll()
		case <-sweepTicker.C:
			m.SweepStale()
		}
	}
}

// PingAll sends a protocol ping to every live session on every channel. A
// failed ping is logged and does not abort the remaining sessions; the sweep
// will collect the corpse once its pong goes stale.
func (m *Monitor) PingAll() {
	for _, channel := range m.registry.Channels() {
		for id, handle := range m.registry.Sessions(channel) {
			if err := handle.Ping(); err != nil {
				m.log.Debug("ping failed",
					logging.String("channel", string(channel)),
					logging.String("session", id),
					logging.Error(err))
			}
		}
	}
}

// SweepStale evicts every session whose last pong is older than the timeout.
func (m *Monitor) SweepStale() {
	cutoff := m.now().Add(-m.timeout)
	for _, channel := range m.registry.Channels() {
		for id, at := range m.registry.PongTimes(channel) {
			if !at.Before(cutoff) {
				continue
			}
			handle, _ := m.registry.Get(channel, id)
			if !m.registry.Remove(channel, id) {
				continue
			}
			m.evictions.Add(1)
			if handle != nil {
				_ = handle.Close()
			}
			m.log.Info("stale session evicted",
				logging.String("channel", string(channel)),
				logging.String("session", id))
		}
	}
}

// Evictions reports the number of sessions removed by the sweep so far.
func (m *Monitor) Evictions() uint64 {
	return m.evictions.Load()
}
