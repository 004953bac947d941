package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"matchboard/remote/internal/identity"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/membership"
	"matchboard/remote/internal/protocol"
	"matchboard/remote/internal/reconnect"
	"matchboard/remote/internal/session"
)

// IdentityCookie is the long-lived cookie a device persists after enrolling
// into auto-reconnect. It is readable here, not during the WebSocket upgrade.
const IdentityCookie = "autoremote_id"

// PrincipalHeader carries the caller's durable session identifier.
const PrincipalHeader = "X-Principal"

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SessionCounts() map[session.Channel]int
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative pairing statistics.
type StatsFunc func() (codesIssued, broadcasts uint64)

// Precacher bridges the reconnect cookie to the realtime handshake.
type Precacher interface {
	CacheIdentityBeforeReconnect(ctx context.Context, principal, identityID string) error
}

// BroadcastFunc pushes an envelope to every subscriber of a code. The
// football-data cache layer calls this when match state changes; the broker
// neither knows nor cares what triggered it.
type BroadcastFunc func(ctx context.Context, code string, env *protocol.Envelope) error

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Readiness      ReadinessProvider
	Stats          StatsFunc
	Evictions      func() uint64
	IdentityCounts func() (groups, identities int)
	Precache       Precacher
	Broadcast      BroadcastFunc
	BroadcastLimit *SlidingWindowLimiter
	TimeSource     func() time.Time
}

// HandlerSet bundles the broker operational and bridge handlers.
type HandlerSet struct {
	logger         *logging.Logger
	readiness      ReadinessProvider
	stats          StatsFunc
	evictions      func() uint64
	identityCounts func() (int, int)
	precache       Precacher
	broadcast      BroadcastFunc
	broadcastLimit *SlidingWindowLimiter
	now            func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:         logger,
		readiness:      opts.Readiness,
		stats:          opts.Stats,
		evictions:      opts.Evictions,
		identityCounts: opts.IdentityCounts,
		precache:       opts.Precache,
		broadcast:      opts.Broadcast,
		broadcastLimit: opts.BroadcastLimit,
		now:            now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/remote/reconnect/precache", h.PrecacheHandler())
	mux.HandleFunc("/internal/broadcast/", h.BroadcastHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including per-channel session
// counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string         `json:"status"`
		Message       string         `json:"message,omitempty"`
		UptimeSeconds float64        `json:"uptime_seconds"`
		Sessions      map[string]int `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", Sessions: map[string]int{}}
		if h.readiness != nil {
			for channel, count := range h.readiness.SessionCounts() {
				resp.Sessions[string(channel)] = count
			}
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.readiness != nil {
			fmt.Fprintf(w, "# HELP remote_uptime_seconds Broker uptime in seconds.\n")
			fmt.Fprintf(w, "# TYPE remote_uptime_seconds gauge\n")
			fmt.Fprintf(w, "remote_uptime_seconds %.0f\n", h.readiness.Uptime().Seconds())

			fmt.Fprintf(w, "# HELP remote_sessions Current live sessions per channel.\n")
			fmt.Fprintf(w, "# TYPE remote_sessions gauge\n")
			for channel, count := range h.readiness.SessionCounts() {
				fmt.Fprintf(w, "remote_sessions{channel=%q} %d\n", string(channel), count)
			}
		}
		if h.stats != nil {
			issued, broadcasts := h.stats()
			fmt.Fprintf(w, "# HELP remote_codes_issued_total Pairing codes issued since start.\n")
			fmt.Fprintf(w, "# TYPE remote_codes_issued_total counter\n")
			fmt.Fprintf(w, "remote_codes_issued_total %d\n", issued)
			fmt.Fprintf(w, "# HELP remote_broadcasts_total Broadcast fan-outs delivered since start.\n")
			fmt.Fprintf(w, "# TYPE remote_broadcasts_total counter\n")
			fmt.Fprintf(w, "remote_broadcasts_total %d\n", broadcasts)
		}
		if h.evictions != nil {
			fmt.Fprintf(w, "# HELP remote_heartbeat_evictions_total Sessions evicted by the stale sweep.\n")
			fmt.Fprintf(w, "# TYPE remote_heartbeat_evictions_total counter\n")
			fmt.Fprintf(w, "remote_heartbeat_evictions_total %d\n", h.evictions())
		}
		if h.identityCounts != nil {
			groups, identities := h.identityCounts()
			fmt.Fprintf(w, "# HELP remote_reconnect_groups Durable reconnect groups on record.\n")
			fmt.Fprintf(w, "# TYPE remote_reconnect_groups gauge\n")
			fmt.Fprintf(w, "remote_reconnect_groups %d\n", groups)
			fmt.Fprintf(w, "# HELP remote_reconnect_identities Durable anonymous identities on record.\n")
			fmt.Fprintf(w, "# TYPE remote_reconnect_identities gauge\n")
			fmt.Fprintf(w, "remote_reconnect_identities %d\n", identities)
		}
	}
}

// PrecacheHandler runs the reconnect pre-cache bridge. It must be called over
// HTTP, where the identity cookie is readable, before the realtime handshake.
func (h *HandlerSet) PrecacheHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "reconnect_precache"))
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.precache == nil {
			http.Error(w, "reconnect unavailable", http.StatusServiceUnavailable)
			return
		}
		principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		identityID := ""
		if cookie, err := r.Cookie(IdentityCookie); err == nil {
			identityID = strings.TrimSpace(cookie.Value)
		}
		err := h.precache.CacheIdentityBeforeReconnect(r.Context(), principal, identityID)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, reconnect.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, identity.ErrUnknownIdentity):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			reqLogger.Error("precache failed", logging.Error(err))
			http.Error(w, "reconnect precache failed", http.StatusInternalServerError)
		}
	}
}

// BroadcastHandler is the entry point for the external match-data layer. The
// request body is a protocol envelope pushed to every subscriber of the code.
func (h *HandlerSet) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "internal_broadcast"))
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.broadcast == nil {
			http.Error(w, "broadcast unavailable", http.StatusServiceUnavailable)
			return
		}
		if !h.broadcastLimit.Allow() {
			http.Error(w, "broadcast rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		remoteCode := strings.TrimPrefix(r.URL.Path, "/internal/broadcast/")
		if remoteCode == "" || strings.Contains(remoteCode, "/") {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}
		var env protocol.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}
		if err := protocol.Validate(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := h.broadcast(r.Context(), remoteCode, &env)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		case errors.Is(err, membership.ErrInvalidCode):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			reqLogger.Error("broadcast failed", logging.String("code", remoteCode), logging.Error(err))
			http.Error(w, "broadcast failed", http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
