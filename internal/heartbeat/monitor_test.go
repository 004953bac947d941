package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/session"
)

type stubHandle struct {
	pings   int
	closes  int
	pingErr error
}

func (s *stubHandle) Ping() error  { s.pings++; return s.pingErr }
func (s *stubHandle) Close() error { s.closes++; return nil }

func newTestMonitor(reg *session.Registry, clock func() time.Time) *Monitor {
	return NewMonitor(Options{
		Registry:    reg,
		PongTimeout: 10 * time.Second,
		Logger:      logging.NewTestLogger(),
		Clock:       clock,
	})
}

func TestPingAllReachesEveryChannel(t *testing.T) {
	reg := session.NewRegistry()
	board := &stubHandle{}
	ctrl := &stubHandle{}
	reg.Register(session.ChannelScoreboard, "board1", board)
	reg.Register(session.ChannelControl, "ctrl1", ctrl)

	monitor := newTestMonitor(reg, time.Now)
	monitor.PingAll()

	if board.pings != 1 || ctrl.pings != 1 {
		t.Fatalf("pings = %d/%d, want 1/1", board.pings, ctrl.pings)
	}
}

func TestPingFailureDoesNotAbortOthers(t *testing.T) {
	reg := session.NewRegistry()
	broken := &stubHandle{pingErr: errors.New("broken pipe")}
	healthy := &stubHandle{}
	reg.Register(session.ChannelControl, "ctrl1", broken)
	reg.Register(session.ChannelControl, "ctrl2", healthy)

	monitor := newTestMonitor(reg, time.Now)
	monitor.PingAll()

	if healthy.pings != 1 {
		t.Fatal("a failed ping must not skip the remaining sessions")
	}
	if reg.Count(session.ChannelControl) != 2 {
		t.Fatal("PingAll must never remove sessions itself")
	}
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	reg := session.NewRegistry()
	stale := &stubHandle{}
	fresh := &stubHandle{}
	reg.Register(session.ChannelControl, "stale", stale)
	reg.Register(session.ChannelControl, "fresh", fresh)

	base := time.Now()
	reg.RecordPong(session.ChannelControl, "stale", base.Add(-30*time.Second))
	reg.RecordPong(session.ChannelControl, "fresh", base)

	monitor := newTestMonitor(reg, func() time.Time { return base })
	monitor.SweepStale()

	if _, ok := reg.Get(session.ChannelControl, "stale"); ok {
		t.Fatal("stale session must be evicted")
	}
	if _, ok := reg.Get(session.ChannelControl, "fresh"); !ok {
		t.Fatal("fresh session must survive the sweep")
	}
	if stale.closes != 1 {
		t.Fatalf("evicted handle closes = %d, want 1", stale.closes)
	}
	if fresh.closes != 0 {
		t.Fatal("surviving handle must not be closed")
	}
	if got := monitor.Evictions(); got != 1 {
		t.Fatalf("Evictions = %d, want 1", got)
	}
}

func TestSweepLeavesBoundaryPongAlone(t *testing.T) {
	reg := session.NewRegistry()
	reg.Register(session.ChannelControl, "edge", &stubHandle{})

	base := time.Now()
	//1.- A pong exactly at the cutoff is not yet stale.
	reg.RecordPong(session.ChannelControl, "edge", base.Add(-10*time.Second))

	monitor := newTestMonitor(reg, func() time.Time { return base })
	monitor.SweepStale()

	if _, ok := reg.Get(session.ChannelControl, "edge"); !ok {
		t.Fatal("pong at the cutoff boundary must survive")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg := session.NewRegistry()
	monitor := NewMonitor(Options{
		Registry:      reg,
		PingInterval:  time.Millisecond,
		SweepInterval: time.Millisecond,
		PongTimeout:   time.Second,
		Logger:        logging.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
