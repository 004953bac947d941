package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"matchboard/remote/internal/config"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/membership"
	"matchboard/remote/internal/protocol"
	"matchboard/remote/internal/reconnect"
	"matchboard/remote/internal/session"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 64
)

// Hub owns the WebSocket transport: it upgrades connections on the scoreboard
// and control channels, feeds lifecycle events into the membership and
// reconnect services, and relays envelopes between paired devices.
type Hub struct {
	log        *logging.Logger
	membership *membership.Service
	reconnects *reconnect.Service
	sessions   *session.Registry
	upgrader   websocket.Upgrader
	maxPayload int64
	started    time.Time

	mu         sync.Mutex
	startupErr error

	broadcasts atomic.Uint64
}

// NewHub wires the transport against the supplied services.
func NewHub(cfg *config.Config, members *membership.Service, reconnects *reconnect.Service, sessions *session.Registry, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	allowed := append([]string(nil), cfg.AllowedOrigins...)
	return &Hub{
		log:        logger,
		membership: members,
		reconnects: reconnects,
		sessions:   sessions,
		maxPayload: cfg.MaxPayloadBytes,
		started:    time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, candidate := range allowed {
					if strings.EqualFold(candidate, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

// SetStartupError records a fatal wiring problem surfaced through readiness.
func (h *Hub) SetStartupError(err error) {
	h.mu.Lock()
	h.startupErr = err
	h.mu.Unlock()
}

// StartupError implements httpapi.ReadinessProvider.
func (h *Hub) StartupError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (h *Hub) Uptime() time.Duration { return time.Since(h.started) }

// SessionCounts implements httpapi.ReadinessProvider.
func (h *Hub) SessionCounts() map[session.Channel]int {
	counts := make(map[session.Channel]int)
	for _, channel := range h.sessions.Channels() {
		counts[channel] = h.sessions.Count(channel)
	}
	return counts
}

// Stats reports cumulative pairing counters for the metrics handler. Code
// issuance is counted at the membership service so reconnect reissues are
// included.
func (h *Hub) Stats() (codesIssued, broadcasts uint64) {
	return h.membership.Issued(), h.broadcasts.Load()
}

// client is one live WebSocket connection. The writer goroutine is the only
// place frames are written, so heartbeat pings and relayed payloads never
// interleave mid-frame.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	channel session.Channel
	id      string

	send  chan []byte
	pings chan struct{}

	mu     sync.Mutex
	code   string
	closed bool
	once   sync.Once
}

var errSendQueueFull = errors.New("session send queue full")

// Ping implements session.Handle by scheduling a protocol-level ping.
func (c *client) Ping() error {
	select {
	case c.pings <- struct{}{}:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close implements session.Handle.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return nil
}

func (c *client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("session closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *client) joinedCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *client) setJoinedCode(code string) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
}

// ServeScoreboard upgrades a broadcaster connection and issues it a code.
func (h *Hub) ServeScoreboard(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, session.ChannelScoreboard)
}

// ServeControl upgrades a control-device connection. The device either joins
// with a code, rejoins through its pre-cached reconnect identity, or enrolls
// into auto-reconnect.
func (h *Hub) ServeControl(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, session.ChannelControl)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channel session.Channel) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	principal := principalFrom(r)
	c := &client{
		hub:     h,
		conn:    conn,
		channel: channel,
		id:      principal,
		send:    make(chan []byte, sendQueueSize),
		pings:   make(chan struct{}, 1),
	}
	conn.SetReadLimit(h.maxPayload)
	conn.SetPongHandler(func(string) error {
		h.sessions.RecordPong(channel, principal, time.Now())
		return nil
	})

	//1.- Sessions enter the registry at upgrade time, before any pairing, so a
	// device that never completes the handshake is still pinged and swept.
	h.sessions.Register(channel, principal, c)

	if channel == session.ChannelScoreboard {
		if !h.openScoreboard(r.Context(), c, r) {
			h.sessions.Remove(channel, principal)
			_ = conn.Close()
			return
		}
	}

	go c.writeLoop()
	go c.readLoop()
}

// openScoreboard issues a fresh code for the broadcaster before any frame is
// exchanged; control devices instead join through their first envelope.
func (h *Hub) openScoreboard(ctx context.Context, c *client, r *http.Request) bool {
	nickname := strings.TrimSpace(r.URL.Query().Get("nickname"))
	if nickname == "" {
		nickname = "scoreboard"
	}
	issued, err := h.membership.Issue(ctx, c.id, nickname)
	if err != nil {
		h.log.Error("code issuance failed", logging.Error(err))
		return false
	}
	c.setJoinedCode(issued.String())
	h.reply(c, protocol.NewConnectResponse(issued.String()))
	h.log.Info("scoreboard paired",
		logging.String("code", issued.String()),
		logging.String("session", c.id))
	return true
}

func (c *client) readLoop() {
	defer c.hub.disconnect(c)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.dispatch(c, frame)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.pings:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Joined clients relay known payloads to
// their peers; unknown discriminators are forwarded verbatim as a
// forward-compatibility fallback.
func (h *Hub) dispatch(c *client, frame []byte) {
	ctx := context.Background()
	env, err := protocol.Decode(frame)
	if err != nil {
		h.reply(c, protocol.NewErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}
	switch protocol.Kind(env.Type) {
	case protocol.KindConnect:
		h.handleConnect(ctx, c, env)
	case protocol.KindSub:
		h.handleEnroll(ctx, c, env)
	default:
		code := c.joinedCode()
		if code == "" {
			h.reply(c, protocol.NewErrorResponse(http.StatusForbidden, "not paired"))
			return
		}
		if protocol.Known(env.Type) {
			if err := protocol.Validate(env); err != nil {
				h.reply(c, protocol.NewErrorResponse(http.StatusBadRequest, err.Error()))
				return
			}
		}
		if err := h.relay(ctx, code, c.id, frame); err != nil {
			h.reply(c, protocol.NewErrorResponse(http.StatusGone, err.Error()))
		}
	}
}

// handleConnect joins a control device, either by explicit code or through
// the auto-reconnect path when the envelope carries no code.
func (h *Hub) handleConnect(ctx context.Context, c *client, env *protocol.Envelope) {
	if c.channel != session.ChannelControl {
		h.reply(c, protocol.NewErrorResponse(http.StatusBadRequest, "already paired"))
		return
	}
	if c.joinedCode() != "" {
		h.reply(c, protocol.NewErrorResponse(http.StatusConflict, "already paired"))
		return
	}
	if err := protocol.Validate(env); err != nil {
		h.reply(c, protocol.NewErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}
	nickname := env.StringField("nickname")
	joinCode := env.StringField("code")

	var joined string
	var err error
	if joinCode != "" {
		err = h.membership.Subscribe(ctx, joinCode, c.id, nickname)
		joined = joinCode
	} else {
		//1.- No code supplied: resolve the pre-cached identity and rejoin its group.
		rejoined, connectErr := h.reconnects.Connect(ctx, c.id, nickname)
		err = connectErr
		joined = rejoined.String()
	}
	if err != nil {
		h.reply(c, protocol.NewErrorResponse(joinStatus(err), err.Error()))
		return
	}

	c.setJoinedCode(joined)
	h.reply(c, protocol.NewConnectResponse(joined))
	h.reply(c, protocol.NewSubscribeDone(protocol.TopicPath(joined)))
	h.notifyMembers(ctx, joined, c.id)
	h.log.Info("control paired",
		logging.String("code", joined),
		logging.String("session", c.id))
}

// handleEnroll opts the device into auto-reconnect for its current code and
// returns the identity id the device must persist client-side.
func (h *Hub) handleEnroll(ctx context.Context, c *client, env *protocol.Envelope) {
	if err := protocol.Validate(env); err != nil {
		h.reply(c, protocol.NewErrorResponse(http.StatusBadRequest, err.Error()))
		return
	}
	identityID, err := h.reconnects.Enroll(ctx, env.StringField("code"))
	if err != nil {
		h.reply(c, protocol.NewErrorResponse(joinStatus(err), err.Error()))
		return
	}
	resp := protocol.NewSubscribeDone(protocol.ReplyPath(env.StringField("code")))
	resp.Data["identity"] = identityID
	h.reply(c, resp)
}

// relay fans a raw frame out to every subscriber of the code except sender.
func (h *Hub) relay(ctx context.Context, code, senderID string, frame []byte) error {
	err := h.membership.Broadcast(ctx, code, senderID, func(subscriberID string) error {
		return h.deliver(subscriberID, frame)
	})
	if err != nil {
		return err
	}
	h.broadcasts.Add(1)
	return nil
}

// BroadcastEnvelope pushes an externally produced envelope to every
// subscriber of the code. The sender id is empty, so nobody is skipped.
func (h *Hub) BroadcastEnvelope(ctx context.Context, code string, env *protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return h.relay(ctx, code, "", frame)
}

// notifyMembers pushes the refreshed roster to everyone except the actor.
func (h *Hub) notifyMembers(ctx context.Context, code, actorID string) {
	nicknames, err := h.membership.Members(ctx, code)
	if err != nil {
		return
	}
	frame, err := protocol.NewMembersNotice(nicknames).Encode()
	if err != nil {
		return
	}
	if err := h.relay(ctx, code, actorID, frame); err != nil {
		h.log.Debug("members notice skipped", logging.String("code", code), logging.Error(err))
	}
}

// deliver finds the live session for subscriberID on either channel.
func (h *Hub) deliver(subscriberID string, frame []byte) error {
	for _, channel := range h.sessions.Channels() {
		if handle, ok := h.sessions.Get(channel, subscriberID); ok {
			peer, isClient := handle.(*client)
			if !isClient {
				continue
			}
			return peer.enqueue(frame)
		}
	}
	return fmt.Errorf("subscriber %s has no live session", subscriberID)
}

// disconnect tears a session down. The transport can fire this twice for one
// logical disconnect (explicit leave plus socket teardown); every step here
// tolerates the replay.
func (h *Hub) disconnect(c *client) {
	c.once.Do(func() {
		_ = c.Close()
		h.sessions.Remove(c.channel, c.id)
		code := c.joinedCode()
		if code == "" {
			return
		}
		ctx := context.Background()
		if err := h.membership.Unsubscribe(ctx, code, c.id); err != nil {
			h.log.Warn("unsubscribe failed",
				logging.String("code", code),
				logging.String("session", c.id),
				logging.Error(err))
		}
		if h.membership.IsValid(ctx, code) {
			h.notifyMembers(ctx, code, c.id)
		}
		h.log.Info("session left",
			logging.String("channel", string(c.channel)),
			logging.String("code", code),
			logging.String("session", c.id))
	})
}

func (h *Hub) reply(c *client, payload interface{ Encode() ([]byte, error) }) {
	frame, err := payload.Encode()
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		h.log.Debug("reply dropped", logging.String("session", c.id), logging.Error(err))
	}
}

// principalFrom resolves the caller's durable session identifier, minting a
// fresh one when the request carries none.
func principalFrom(r *http.Request) string {
	if principal := strings.TrimSpace(r.Header.Get("X-Principal")); principal != "" {
		return principal
	}
	if cookie, err := r.Cookie("principal"); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value)
	}
	return uuid.NewString()
}

func joinStatus(err error) int {
	switch {
	case errors.Is(err, membership.ErrInvalidCode):
		return http.StatusNotFound
	case errors.Is(err, membership.ErrEmptyNickname),
		errors.Is(err, reconnect.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, reconnect.ErrNoPrecachedIdentity):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
