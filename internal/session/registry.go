// Package session tracks live realtime connections per logical channel.
package session

import (
	"sync"
	"time"
)

// Channel names one independent population of connections. Scoreboard and
// control devices are never pinged or evicted against each other.
type Channel string

const (
	// ChannelScoreboard holds the broadcaster-side overlay connections.
	ChannelScoreboard Channel = "scoreboard"
	// ChannelControl holds the paired control-device connections.
	ChannelControl Channel = "control"
)

// Handle is the minimal contract the registry needs from a live connection.
type Handle interface {
	Ping() error
	Close() error
}

// channelState guards one channel's sessions independently of the others.
type channelState struct {
	mu    sync.RWMutex
	conns map[string]Handle
	pongs map[string]time.Time
}

func newChannelState() *channelState {
	return &channelState{
		conns: make(map[string]Handle),
		pongs: make(map[string]time.Time),
	}
}

// Registry is the process-local map of live connections. It is safe for
// concurrent use from transport goroutines and the heartbeat timer.
type Registry struct {
	channels map[Channel]*channelState
	names    []Channel
}

// NewRegistry constructs a registry covering the given channels. With no
// arguments the scoreboard and control channels are created.
func NewRegistry(channels ...Channel) *Registry {
	if len(channels) == 0 {
		channels = []Channel{ChannelScoreboard, ChannelControl}
	}
	reg := &Registry{channels: make(map[Channel]*channelState, len(channels))}
	for _, name := range channels {
		if _, ok := reg.channels[name]; ok {
			continue
		}
		reg.channels[name] = newChannelState()
		reg.names = append(reg.names, name)
	}
	return reg
}

// Channels lists the registered channel names in construction order.
func (r *Registry) Channels() []Channel {
	return append([]Channel(nil), r.names...)
}

// Register stores the handle for sessionID and stamps an initial pong so a
// fresh connection is never swept before its first heartbeat round-trip.
func (r *Registry) Register(channel Channel, sessionID string, handle Handle) {
	state := r.channels[channel]
	if state == nil || sessionID == "" || handle == nil {
		return
	}
	state.mu.Lock()
	state.conns[sessionID] = handle
	state.pongs[sessionID] = time.Now()
	state.mu.Unlock()
}

// Remove drops the session and reports whether it was present. Removing an
// absent session is a no-op so double-fire disconnects stay harmless.
func (r *Registry) Remove(channel Channel, sessionID string) bool {
	state := r.channels[channel]
	if state == nil {
		return false
	}
	state.mu.Lock()
	_, ok := state.conns[sessionID]
	delete(state.conns, sessionID)
	delete(state.pongs, sessionID)
	state.mu.Unlock()
	return ok
}

// Get returns the live handle for sessionID, if any.
func (r *Registry) Get(channel Channel, sessionID string) (Handle, bool) {
	state := r.channels[channel]
	if state == nil {
		return nil, false
	}
	state.mu.RLock()
	handle, ok := state.conns[sessionID]
	state.mu.RUnlock()
	return handle, ok
}

// RecordPong stamps the most recent pong time for sessionID.
func (r *Registry) RecordPong(channel Channel, sessionID string, at time.Time) {
	state := r.channels[channel]
	if state == nil {
		return
	}
	state.mu.Lock()
	if _, ok := state.conns[sessionID]; ok {
		state.pongs[sessionID] = at
	}
	state.mu.Unlock()
}

// Sessions returns a snapshot of the channel's live handles.
func (r *Registry) Sessions(channel Channel) map[string]Handle {
	state := r.channels[channel]
	if state == nil {
		return nil
	}
	state.mu.RLock()
	snapshot := make(map[string]Handle, len(state.conns))
	for id, handle := range state.conns {
		snapshot[id] = handle
	}
	state.mu.RUnlock()
	return snapshot
}

// PongTimes returns a snapshot of the channel's last-pong timestamps.
func (r *Registry) PongTimes(channel Channel) map[string]time.Time {
	state := r.channels[channel]
	if state == nil {
		return nil
	}
	state.mu.RLock()
	snapshot := make(map[string]time.Time, len(state.pongs))
	for id, at := range state.pongs {
		snapshot[id] = at
	}
	state.mu.RUnlock()
	return snapshot
}

// Count returns the number of live sessions on the channel.
func (r *Registry) Count(channel Channel) int {
	state := r.channels[channel]
	if state == nil {
		return 0
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return len(state.conns)
}
